package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/leadflow/commbus"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/kernel"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

type turnBody struct {
	Text       string `json:"text"`
	Provenance string `json:"provenance,omitempty"`
}

type historyBody struct {
	Messages []string `json:"messages"`
}

type handlers struct {
	orch   *kernel.Orchestrator
	bus    commbus.CommBus
	logger logging.Logger
}

// newRouter builds the HTTP API: health, metrics and session endpoints.
func newRouter(orch *kernel.Orchestrator, bus commbus.CommBus, origins []string, logger logging.Logger) http.Handler {
	h := &handlers{orch: orch, bus: bus, logger: logger.Bind("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.endSession)
			r.Post("/turns", h.handleTurn)
			r.Post("/history", h.importHistory)
		})
	})
	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	res, err := h.bus.QuerySync(r.Context(), &commbus.HealthCheckRequest{Component: "orchestrator"})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, _ := res.(*commbus.HealthCheckResponse)
	code := http.StatusOK
	if resp == nil || resp.Status != commbus.HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeHTTPJSON(w, code, resp)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	writeHTTPJSON(w, http.StatusOK, map[string]any{"sessions": h.orch.SessionIDs()})
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.bus.QuerySync(r.Context(), &commbus.GetSessionSnapshot{SessionID: chi.URLParam(r, "sessionID")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeHTTPJSON(w, http.StatusOK, res)
}

func (h *handlers) endSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.orch.EndSession(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeHTTPJSON(w, http.StatusOK, map[string]any{"session_id": id, "ended": true})
}

func (h *handlers) handleTurn(w http.ResponseWriter, r *http.Request) {
	var body turnBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body: " + err.Error()})
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]any{"error": "text is required"})
		return
	}
	provenance := ledger.Provenance(body.Provenance)
	if provenance != "" && provenance != ledger.ProvenanceLive && provenance != ledger.ProvenanceImported {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]any{"error": "provenance must be live or imported"})
		return
	}

	out, err := h.orch.HandleTurn(r.Context(), chi.URLParam(r, "sessionID"), body.Text, provenance)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeHTTPJSON(w, http.StatusOK, out)
}

func (h *handlers) importHistory(w http.ResponseWriter, r *http.Request) {
	var body historyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body: " + err.Error()})
		return
	}
	id := chi.URLParam(r, "sessionID")
	n, err := h.orch.ImportHistory(r.Context(), id, body.Messages)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeHTTPJSON(w, http.StatusOK, map[string]any{"session_id": id, "imported": n})
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("http_request_failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err.Error(),
		)
	}
	writeHTTPJSON(w, code, map[string]any{"error": err.Error()})
}

func httpStatus(err error) int {
	var (
		rateErr    *kernel.RateLimitedError
		closedErr  *kernel.SessionClosedError
		persistErr *kernel.PersistenceError
	)
	switch {
	case errors.Is(err, kernel.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.As(err, &closedErr):
		return http.StatusConflict
	case errors.Is(err, kernel.ErrOrchestratorClosed), errors.Is(err, commbus.ErrCircuitOpen), errors.As(err, &persistErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeHTTPJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = writeJSON(w, v)
}
