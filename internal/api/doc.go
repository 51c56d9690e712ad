// Package api hosts the HTTP server, middleware, and JSON handlers that front
// the scrape scheduler. Routes:
//   - POST /scrape renders one URL.
//   - POST /batch renders many URLs on one shared browser.
//   - GET /health reports service name and version.
//   - GET /metrics for Prometheus scraping, when enabled.
//
// Scrape failures are never HTTP errors: they come back as 200 with
// success=false. 4xx is reserved for malformed or invalid requests.
package api
