// The main package for the scraper executable.
package main

import "github.com/danavision/crawl-service/cmd"

func main() {
	cmd.Execute()
}
