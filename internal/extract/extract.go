// Package extract turns rendered page HTML into the markdown, HTML and title
// returned to callers.
package extract

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
	"github.com/microcosm-cc/bluemonday"
)

// ErrEmptyDocument is returned when there is no HTML to extract from.
var ErrEmptyDocument = errors.New("empty document")

// noiseSelector matches elements whose text never belongs in markdown output.
const noiseSelector = "script, style, noscript, template"

// Document is the extracted form of one rendered page.
type Document struct {
	Markdown string
	// HTML is the rendered document as the browser serialized it.
	HTML  string
	Title string
}

// Extractor converts rendered HTML. It is safe for concurrent use.
type Extractor struct {
	policy *bluemonday.Policy
}

// New builds an Extractor with the UGC sanitizing policy.
func New() *Extractor {
	return &Extractor{policy: bluemonday.UGCPolicy()}
}

// Extract parses rawHTML and produces markdown and a best-effort title.
// browserTitle is the title reported by the engine and wins when set.
// pageURL is the document's final URL; relative links resolve against it.
func (e *Extractor) Extract(rawHTML, browserTitle, pageURL string) (Document, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return Document{}, ErrEmptyDocument
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	title := ResolveTitle(doc, browserTitle, rawHTML)

	doc.Find(noiseSelector).Remove()
	resolveLinks(doc, pageURL)
	cleaned, err := doc.Html()
	if err != nil {
		return Document{}, fmt.Errorf("serialize html: %w", err)
	}
	sanitized := e.policy.Sanitize(cleaned)

	// Links are already absolute; an empty domain leaves them untouched.
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(sanitized)
	if err != nil {
		return Document{}, fmt.Errorf("convert markdown: %w", err)
	}

	return Document{
		Markdown: strings.TrimSpace(markdown),
		HTML:     rawHTML,
		Title:    title,
	}, nil
}

// ResolveTitle walks the fallback chain: engine title, <title>, og:title, first <h1>.
// It returns "" when none of them carries text.
func ResolveTitle(doc *goquery.Document, browserTitle, rawHTML string) string {
	if t := collapse(browserTitle); t != "" {
		return t
	}
	if t := collapse(doc.Find("head title").First().Text()); t != "" {
		return t
	}
	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(strings.NewReader(rawHTML)); err == nil {
		if t := collapse(og.Title); t != "" {
			return t
		}
	}
	return collapse(doc.Find("h1").First().Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// resolveLinks rewrites a[href] and img[src] against pageURL so the markdown
// carries links that work outside the page.
func resolveLinks(doc *goquery.Document, pageURL string) {
	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		return
	}
	resolve := func(attr string) func(int, *goquery.Selection) {
		return func(_ int, sel *goquery.Selection) {
			raw, ok := sel.Attr(attr)
			if !ok {
				return
			}
			ref, err := url.Parse(strings.TrimSpace(raw))
			if err != nil {
				return
			}
			sel.SetAttr(attr, base.ResolveReference(ref).String())
		}
	}
	doc.Find("a[href]").Each(resolve("href"))
	doc.Find("img[src]").Each(resolve("src"))
}
