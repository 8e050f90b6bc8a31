// Package api serves the admin HTTP surface: health, stats, the direct query
// path, ingestion and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/ingest"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/orchestrator"
)

const (
	maxQueryBody  = 1 << 20
	maxUploadBody = 64 << 20
)

// Service is everything the admin surface calls into.
type Service interface {
	hrask.Service
	IngestCSV(ctx context.Context, r io.Reader, opt ingest.CSVOptions) (ingest.Result, error)
	IngestSQL(ctx context.Context, query string) (ingest.Result, error)
}

// NewRouter mounts all admin routes.
func NewRouter(svc Service) http.Handler {
	h := &handler{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Post("/query/direct", h.queryDirect)
	r.Route("/ingest", func(ir chi.Router) {
		ir.Post("/sql", h.ingestSQL)
		ir.Post("/csv", h.ingestCSV)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, svc Service) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
		// model calls may take up to the provider timeout
		WriteTimeout: 5 * time.Minute,
	}
}

type handler struct {
	svc Service
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats(r.Context()))
}

func (h *handler) queryDirect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxQueryBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	req, err := orchestrator.DecodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Ask(r.Context(), req))
}

type ingestSQLRequest struct {
	Query string `json:"query"`
}

func (h *handler) ingestSQL(w http.ResponseWriter, r *http.Request) {
	var in ingestSQLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if strings.TrimSpace(in.Query) == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	res, err := h.svc.IngestSQL(r.Context(), in.Query)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ingestCSV accepts either a multipart upload in field "file" or a raw
// text/csv body. Query parameters: source, kind, and meta.<key>=<value>.
func (h *handler) ingestCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	opt := csvOptions(r)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, hdr, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing file: %w", err))
			return
		}
		defer file.Close()
		if opt.Source == "" {
			opt.Source = hdr.Filename
		}
		src = file
	}

	res, err := h.svc.IngestCSV(r.Context(), src, opt)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func csvOptions(r *http.Request) ingest.CSVOptions {
	q := r.URL.Query()
	opt := ingest.CSVOptions{
		Source: q.Get("source"),
		Kind:   ingest.Kind(q.Get("kind")),
	}
	for k, v := range q {
		key, ok := strings.CutPrefix(k, "meta.")
		if !ok || key == "" || len(v) == 0 {
			continue
		}
		if opt.Meta == nil {
			opt.Meta = map[string]interface{}{}
		}
		opt.Meta[key] = v[0]
	}
	return opt
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindTransport:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugf("api: %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
