package httpserver

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
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	appai "github.com/bryanwahyu/scanrelay/internal/application/ai"
	appscans "github.com/bryanwahyu/scanrelay/internal/application/scans"
	domai "github.com/bryanwahyu/scanrelay/internal/domain/ai"
	"github.com/bryanwahyu/scanrelay/internal/domain/analyst"
	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
	"github.com/bryanwahyu/scanrelay/internal/infra/notify"
	"github.com/bryanwahyu/scanrelay/internal/middleware"
)

const maxCallbackBytes = 8 << 20

var errBadRequest = errors.New("bad request")

// Options carries everything the HTTP surface needs. Metrics, Limiter and
// Ready are optional.
type Options struct {
	Scans          *appscans.Service
	AI             *appai.Service
	Bus            *notify.Bus
	Metrics        *middleware.Metrics
	Limiter        *middleware.RateLimiter
	Ready          map[string]middleware.HealthChecker
	CallbackToken  string
	AllowedOrigins []string
	Version        string
	Log            *zap.SugaredLogger
}

type Router struct {
	scansSvc *appscans.Service
	aiSvc    *appai.Service
	bus      *notify.Bus
	origins  []string
	version  string
	log      *zap.SugaredLogger
}

func NewRouter(o Options) http.Handler {
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	r := &Router{scansSvc: o.Scans, aiSvc: o.AI, bus: o.Bus, origins: o.AllowedOrigins, version: o.Version, log: o.Log}
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer(o.Log))
	if o.Metrics != nil {
		mux.Use(o.Metrics.Middleware)
	}
	mux.Use(middleware.LoggingMiddleware(o.Log))
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: o.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/", r.handleRoot)
	mux.Get("/health", middleware.LivenessHandler)
	mux.Get("/healthz", middleware.LivenessHandler)
	mux.Get("/ready", middleware.ReadinessHandler(o.Ready))
	if o.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", o.Metrics.Handler())
	}
	mux.Get("/ws", r.handleWebSocket)

	mux.Route("/api", func(rt chi.Router) {
		rt.Group(func(g chi.Router) {
			if o.Limiter != nil {
				g.Use(o.Limiter.Middleware)
			}
			g.Post("/scan/trigger", r.wrap(r.handleTrigger))
		})
		rt.Group(func(g chi.Router) {
			g.Use(middleware.CallbackAuth(o.CallbackToken))
			g.Post("/scan/callback", r.wrap(r.handleCallback))
			g.Post("/webhook/scan-complete", r.wrap(r.handleLegacyCallback))
		})

		rt.Get("/scans", r.wrap(r.handleList))
		rt.Get("/scans/running", r.wrap(r.handleRunning))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Get("/scans/{id}/findings", r.wrap(r.handleFindings))
		rt.Get("/scan/{id}/vulnerabilities", r.wrap(r.handleFindings))
		rt.Get("/scans/{id}/errors", r.wrap(r.handleScanErrors))
		rt.Get("/scans/{id}/analysis", r.wrap(r.handleLatestAnalysis))
		rt.Post("/scans/{id}/analysis", r.wrap(r.handleAnalyze))

		rt.Get("/stats", r.wrap(r.handleStats))
		rt.Get("/stats/findings", r.wrap(r.handleFindingStats))
		rt.Get("/stats/vulnerabilities", r.wrap(r.handleFindingStats))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// failedScanError carries the scan a failed trigger left behind so the
// error body can include it.
type failedScanError struct {
	err  error
	scan *domain.Scan
}

func (e *failedScanError) Error() string { return e.err.Error() }
func (e *failedScanError) Unwrap() error { return e.err }

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		status := statusFor(err)
		body := map[string]any{"error": err.Error()}
		var fs *failedScanError
		if errors.As(err, &fs) && fs.scan != nil {
			body["scan"] = fs.scan
		}
		if status >= http.StatusInternalServerError {
			r.log.Errorw("request failed", "method", req.Method, "path", req.URL.Path, "status", status, "error", err)
		}
		writeJSON(w, status, body)
	}
}

func statusFor(err error) int {
	switch {
	// a storage fault outranks whatever dispatch reported alongside it
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrInvalidCallback):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTargetNotFound),
		errors.Is(err, domain.ErrScanNotFound),
		errors.Is(err, analyst.ErrNotFound):
		return http.StatusNotFound
	// exhausted retries wrap the last transport error, so check it first
	case errors.Is(err, domain.ErrDispatchFailed):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrDispatchUnavailable),
		errors.Is(err, appai.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, appai.ErrScanNotCompleted):
		return http.StatusConflict
	case errors.Is(err, domai.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "scanrelay API is running",
		"version":   r.version,
		"timestamp": time.Now().UTC(),
	})
}

// POST /api/scan/trigger
// Body: {"sourceUrl": "<url>"}; githubUrl is accepted for older clients.
func (r *Router) handleTrigger(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		SourceURL string `json:"sourceUrl"`
		GithubURL string `json:"githubUrl"`
		ScanDepth string `json:"scanDepth"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	src := middleware.SanitizeString(body.SourceURL)
	if src == "" {
		src = middleware.SanitizeString(body.GithubURL)
	}
	if src == "" {
		return fmt.Errorf("%w: sourceUrl is required", domain.ErrInvalidTarget)
	}

	scan, err := r.scansSvc.Trigger(req.Context(), src)
	if err != nil {
		return &failedScanError{err: err, scan: scan}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "scan": scan})
	return nil
}

// POST /api/scan/callback
func (r *Router) handleCallback(w http.ResponseWriter, req *http.Request) error {
	return r.ingest(w, req, r.scansSvc.IngestBody)
}

// POST /api/webhook/scan-complete
func (r *Router) handleLegacyCallback(w http.ResponseWriter, req *http.Request) error {
	return r.ingest(w, req, r.scansSvc.LegacyIngest)
}

func (r *Router) ingest(w http.ResponseWriter, req *http.Request, fn func(ctx context.Context, body []byte) (*domain.Scan, error)) error {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxCallbackBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrInvalidCallback, err)
	}
	if len(body) > maxCallbackBytes {
		return fmt.Errorf("%w: body too large", domain.ErrInvalidCallback)
	}
	scan, err := fn(req.Context(), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scan": scan})
	return nil
}

// GET /api/scans?status=&search=&limit=&include=result
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	var f domain.ListFilter
	if raw := q.Get("status"); raw != "" {
		st, ok := domain.ParseStatus(strings.ToLower(raw))
		if !ok {
			return fmt.Errorf("%w: unknown status %q", errBadRequest, raw)
		}
		f.Status = st
	}
	f.Search = middleware.SanitizeString(q.Get("search"))
	limit, err := middleware.ParseLimit(q.Get("limit"), 20, 100)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	f.Limit = limit
	f.IncludeResult = q.Get("include") == "result"

	out, err := r.scansSvc.List(req.Context(), f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

// GET /api/scans/running
func (r *Router) handleRunning(w http.ResponseWriter, req *http.Request) error {
	out, err := r.scansSvc.Running(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": len(out) > 0,
		"count":   len(out),
		"scans":   out,
	})
	return nil
}

// GET /api/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	scan, err := r.scansSvc.Get(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, scan)
	return nil
}

// GET /api/scans/{id}/findings
func (r *Router) handleFindings(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	out, err := r.scansSvc.Findings(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

// GET /api/scans/{id}/errors?limit=
func (r *Router) handleScanErrors(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	limit, err := middleware.ParseLimit(req.URL.Query().Get("limit"), 50, 200)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	out, err := r.scansSvc.ScanErrors(req.Context(), id, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

// POST /api/scans/{id}/analysis
func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	a, err := r.aiSvc.Analyze(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, a)
	return nil
}

// GET /api/scans/{id}/analysis
func (r *Router) handleLatestAnalysis(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	a, err := r.aiSvc.Latest(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a)
	return nil
}

// GET /api/stats
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) error {
	st, err := r.scansSvc.Stats(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

// GET /api/stats/findings
func (r *Router) handleFindingStats(w http.ResponseWriter, req *http.Request) error {
	st, err := r.scansSvc.FindingStats(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

// scanID reads the {id} path parameter. Anything that is not a UUID can
// never match a stored scan.
func scanID(req *http.Request) (domain.ScanID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrScanNotFound, err)
	}
	return domain.ScanID(id), nil
}
