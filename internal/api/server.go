package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/danavision/crawl-service/internal/config"
	"github.com/danavision/crawl-service/internal/id/uuid"
	"github.com/danavision/crawl-service/internal/metrics"
	"github.com/danavision/crawl-service/internal/scrape"
)

// maxBodyBytes caps request bodies; a batch of a few thousand URLs fits.
const maxBodyBytes = 1 << 20

// Scraper runs fetches. *scrape.Scheduler satisfies it.
type Scraper interface {
	Scrape(ctx context.Context, req scrape.FetchRequest) scrape.FetchOutcome
	Batch(ctx context.Context, job scrape.BatchJob) scrape.BatchResult
}

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router  chi.Router
	scraper Scraper
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(scraper Scraper, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scraper: scraper,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.New()))
	if cfg.Metrics.Enabled {
		metrics.Init()
		r.Use(metrics.Middleware)
	}
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/health", s.health)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scrape", s.scrapeURL)
		r.Post("/batch", s.batchScrape)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.cfg.Service.Name,
		Version: s.cfg.Service.Version,
	})
}

func (s *Server) scrapeURL(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if !s.decode(w, r, &req) {
		return
	}
	fetch, err := req.toFetchRequest(s.cfg.DefaultTimeout())
	if err != nil {
		s.writeValidationError(w, err)
		return
	}
	outcome := s.scraper.Scrape(r.Context(), fetch)
	s.writeJSON(w, http.StatusOK, NewScrapeResponse(outcome))
}

func (s *Server) batchScrape(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := req.toBatchJob(s.cfg.DefaultTimeout(), s.cfg.Scrape.MaxBatchSize)
	if err != nil {
		s.writeValidationError(w, err)
		return
	}
	result := s.scraper.Batch(r.Context(), job)
	s.writeJSON(w, http.StatusOK, NewBatchResponse(result))
}

// decode reads a JSON body into dst, answering 413 or 422 itself when it cannot.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusUnprocessableEntity, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	if errors.Is(err, scrape.ErrValidation) {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeError(w, http.StatusBadRequest, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
