package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/danavision/crawl-service/internal/scrape"
)

// ScrapeRequest is the body of POST /scrape.
type ScrapeRequest struct {
	URL     string  `json:"url"`
	WaitFor *string `json:"wait_for"`
	// Timeout is the page load budget in milliseconds.
	Timeout *int `json:"timeout"`
}

// BatchRequest is the body of POST /batch.
type BatchRequest struct {
	URLs    []string `json:"urls"`
	Timeout *int     `json:"timeout"`
}

// ScrapeResponse is one outcome on the wire. Absent fields encode as null.
type ScrapeResponse struct {
	Success  bool    `json:"success"`
	Markdown *string `json:"markdown"`
	HTML     *string `json:"html"`
	Title    *string `json:"title"`
	Error    *string `json:"error"`
}

// BatchResponse is the body returned by POST /batch.
type BatchResponse struct {
	Results []ScrapeResponse `json:"results"`
}

// HealthResponse is the body returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// NewScrapeResponse maps an outcome to its wire form.
func NewScrapeResponse(o scrape.FetchOutcome) ScrapeResponse {
	if !o.Success {
		return ScrapeResponse{Error: stringPtr(o.Error)}
	}
	resp := ScrapeResponse{
		Success:  true,
		Markdown: stringPtr(o.Markdown),
		HTML:     stringPtr(o.HTML),
	}
	if o.Title != "" {
		resp.Title = stringPtr(o.Title)
	}
	return resp
}

// NewBatchResponse maps a batch result, keeping index order.
func NewBatchResponse(r scrape.BatchResult) BatchResponse {
	results := make([]ScrapeResponse, len(r.Outcomes))
	for i, o := range r.Outcomes {
		results[i] = NewScrapeResponse(o)
	}
	return BatchResponse{Results: results}
}

func (req ScrapeRequest) toFetchRequest(def time.Duration) (scrape.FetchRequest, error) {
	if strings.TrimSpace(req.URL) == "" {
		return scrape.FetchRequest{}, fmt.Errorf("%w: url is required", scrape.ErrValidation)
	}
	target, err := scrape.NormalizeURL(req.URL)
	if err != nil {
		return scrape.FetchRequest{}, err
	}
	timeout, err := timeoutOrDefault(req.Timeout, def)
	if err != nil {
		return scrape.FetchRequest{}, err
	}
	out := scrape.FetchRequest{URL: target, Timeout: timeout}
	if req.WaitFor != nil {
		out.WaitFor = *req.WaitFor
	}
	return out, nil
}

func (req BatchRequest) toBatchJob(def time.Duration, maxSize int) (scrape.BatchJob, error) {
	if req.URLs == nil {
		return scrape.BatchJob{}, fmt.Errorf("%w: urls is required", scrape.ErrValidation)
	}
	if maxSize > 0 && len(req.URLs) > maxSize {
		return scrape.BatchJob{}, fmt.Errorf("%w: batch of %d URLs exceeds the limit of %d",
			scrape.ErrValidation, len(req.URLs), maxSize)
	}
	urls := make([]string, len(req.URLs))
	for i, u := range req.URLs {
		target, err := scrape.NormalizeURL(u)
		if err != nil {
			return scrape.BatchJob{}, err
		}
		urls[i] = target
	}
	timeout, err := timeoutOrDefault(req.Timeout, def)
	if err != nil {
		return scrape.BatchJob{}, err
	}
	return scrape.BatchJob{URLs: urls, Timeout: timeout}, nil
}

func timeoutOrDefault(ms *int, def time.Duration) (time.Duration, error) {
	if ms == nil {
		return def, nil
	}
	if *ms <= 0 {
		return 0, fmt.Errorf("%w: timeout must be a positive number of milliseconds", scrape.ErrValidation)
	}
	return time.Duration(*ms) * time.Millisecond, nil
}

func stringPtr(s string) *string {
	return &s
}
