// Package api exposes the engine over HTTP: ingestion, cycle control,
// sealed-cycle views, audit, and the query interface. JSON in, JSON
// out, stdlib ServeMux.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/coordinator"
	"github.com/Mindburn-Labs/cortex/pkg/ingest"
	"github.com/Mindburn-Labs/cortex/pkg/observability"
	"github.com/Mindburn-Labs/cortex/pkg/observe"
	"github.com/Mindburn-Labs/cortex/pkg/query"
	"github.com/Mindburn-Labs/cortex/pkg/scenario"
	"github.com/Mindburn-Labs/cortex/pkg/scoring"
)

// maxBodyBytes bounds request bodies; envelopes are small.
const maxBodyBytes = 1 << 20

// Options wires a Server.
type Options struct {
	Pipeline    *ingest.Pipeline
	Store       *observe.Store
	Board       *blackboard.Blackboard
	Coordinator *coordinator.Coordinator
	Query       *query.Engine
	Risk        *scoring.RiskIndexTracker
	Injector    *scenario.Injector
	Telemetry   *observability.Provider

	JWTSecret string
	Logger    *slog.Logger
}

// Server is the HTTP surface over the engine.
type Server struct {
	opts   Options
	logger *slog.Logger
}

func NewServer(opts Options) (*Server, error) {
	if opts.Pipeline == nil || opts.Store == nil || opts.Board == nil {
		return nil, errors.New("api: pipeline, store and board are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger.With("component", "api")}, nil
}

// Handler builds the route table, wrapped in auth when configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest/envelope", s.handleIngestEnvelope)
	mux.HandleFunc("POST /ingest/github/webhook", s.handleGitHubWebhook)
	mux.HandleFunc("POST /observe/event", s.handleObserveEvent)
	mux.HandleFunc("POST /observe/metric", s.handleObserveMetric)
	mux.HandleFunc("GET /ingest/status", s.handleIngestStatus)

	mux.HandleFunc("POST /analysis/cycle", s.handleRunCycle)
	mux.HandleFunc("GET /anomalies", s.sealedView("anomalies"))
	mux.HandleFunc("GET /policy/violations", s.sealedView("policy_hits"))
	mux.HandleFunc("GET /causal/links", s.sealedView("causal_links"))
	mux.HandleFunc("GET /recommendations", s.sealedView("recommendations"))
	mux.HandleFunc("GET /risk/index", s.handleRiskIndex)
	mux.HandleFunc("GET /risk/current", s.handleRiskCurrent)

	mux.HandleFunc("GET /audit/incident/{id}", s.handleIncident)
	mux.HandleFunc("GET /audit/incident/{id}/timeline", s.handleIncidentTimeline)
	mux.HandleFunc("GET /audit/verify", s.handleAuditVerify)

	mux.HandleFunc("POST /query", s.handleQuery)

	mux.HandleFunc("GET /scenarios", s.handleScenarioList)
	mux.HandleFunc("POST /scenarios/{name}", s.handleScenarioRun)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return authMiddleware([]byte(s.opts.JWTSecret), mux)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable request body")
		return nil, false
	}
	return body, true
}

// writeIngestResult maps a pipeline outcome onto the wire: 202 accept,
// 409 duplicate, 400 other quarantines, 429 rate limit, 503 storage.
func (s *Server) writeIngestResult(w http.ResponseWriter, r *http.Request, res *ingest.Result, err error) {
	if s.opts.Telemetry != nil {
		defer func() {
			s.opts.Telemetry.RecordIngest(r.Context(), err == nil && res != nil && res.Accepted,
				string(reasonOf(res)))
		}()
	}

	switch {
	case errors.Is(err, ingest.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "ingestion budget exceeded")
	case errors.Is(err, ingest.ErrStorage):
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "durable append failed")
	case err != nil:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case res.Accepted:
		writeJSON(w, http.StatusAccepted, map[string]string{"event_id": res.EventID})
	case res.ReasonCode == contracts.ReasonDuplicate:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusBadRequest, res)
	}
}

func reasonOf(res *ingest.Result) contracts.QuarantineReason {
	if res == nil {
		return ""
	}
	return res.ReasonCode
}

func (s *Server) handleIngestEnvelope(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if s.opts.Telemetry != nil {
		var done func(error)
		ctx, done = s.opts.Telemetry.TrackOperation(ctx, "ingest.envelope",
			attribute.String("http.route", "/ingest/envelope"))
		defer func() { done(nil) }()
	}
	res, err := s.opts.Pipeline.SubmitRaw(ctx, body)
	s.writeIngestResult(w, r, res, err)
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Pipeline.SubmitGitHubWebhook(r.Context(), body)
	s.writeIngestResult(w, r, res, err)
}

func (s *Server) handleObserveEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Pipeline.SubmitRawEvent(r.Context(), body)
	s.writeIngestResult(w, r, res, err)
}

func (s *Server) handleObserveMetric(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Pipeline.SubmitRawMetric(r.Context(), body)
	s.writeIngestResult(w, r, res, err)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Pipeline.Status())
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.opts.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_COORDINATOR", "cycle execution not configured")
		return
	}
	sealed, err := s.opts.Coordinator.RunCycle(r.Context())
	if err != nil {
		s.logger.Error("cycle failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "CYCLE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle_id":     sealed.CycleID,
		"cycle_sha256": sealed.CycleSHA256,
		"degraded":     sealed.Degraded(),
		"counts": map[string]int{
			"anomalies":       len(sealed.Anomalies),
			"policy_hits":     len(sealed.PolicyHits),
			"risk_signals":    len(sealed.RiskSignals),
			"causal_links":    len(sealed.CausalLinks),
			"severity_scores": len(sealed.SeverityScores),
			"recommendations": len(sealed.Recommendations),
		},
	})
}

// sealedView serves one section of the latest sealed cycle. Before the
// first seal, the view is empty rather than an error.
func (s *Server) sealedView(section string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"cycle_id": "",
			"degraded": false,
			section:    []interface{}{},
		}
		if recent := s.opts.Board.RecentSealed(1); len(recent) > 0 {
			c := recent[0]
			resp["cycle_id"] = c.CycleID
			resp["degraded"] = c.Degraded()
			switch section {
			case "anomalies":
				resp[section] = c.Anomalies
			case "policy_hits":
				resp[section] = c.PolicyHits
			case "causal_links":
				resp[section] = c.CausalLinks
			case "recommendations":
				resp[section] = c.Recommendations
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleRiskIndex(w http.ResponseWriter, r *http.Request) {
	if s.opts.Risk == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "risk index not configured")
		return
	}
	current, ok := s.opts.Risk.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no sealed cycles yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current": current,
		"history": s.opts.Risk.History(10),
		"trend":   s.opts.Risk.Trend(10),
	})
}

func (s *Server) handleRiskCurrent(w http.ResponseWriter, r *http.Request) {
	if s.opts.Risk == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "risk index not configured")
		return
	}
	current, ok := s.opts.Risk.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no sealed cycles yet")
		return
	}

	resp := map[string]interface{}{
		"cycle_id":   current.CycleID,
		"score":      current.Score,
		"band":       current.Band,
		"components": current.Components,
	}
	// The system-wide projection from the same cycle, when present.
	for _, c := range s.opts.Board.RecentSealed(1) {
		resp["degraded"] = c.Degraded()
		for _, sig := range c.RiskSignals {
			if sig.Entity == "system" {
				resp["projected_state"] = sig.ProjectedState
				resp["time_horizon"] = sig.TimeHorizon
				resp["confidence"] = sig.Confidence
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	payload, sha, err := s.opts.Board.SealedPayload(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle_sha256": sha,
		"payload":      json.RawMessage(payload),
	})
}

func (s *Server) handleIncidentTimeline(w http.ResponseWriter, r *http.Request) {
	cycleID := r.PathValue("id")
	cycle, err := s.opts.Board.GetCycle(cycleID)
	if err != nil || cycle.CompletedAt == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no sealed cycle "+cycleID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle_id": cycle.CycleID,
		"degraded": cycle.Degraded(),
		"timeline": observability.CycleTimeline(cycle),
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Verify(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	if err := s.opts.Board.VerifyAuditTrail(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.opts.Query == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_QUERY_ENGINE", "query engine not configured")
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "body must be {\"query\": \"...\"}")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Query.Ask(req.Query))
}

func (s *Server) handleScenarioList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"scenarios": scenario.List()})
}

func (s *Server) handleScenarioRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Injector == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_INJECTOR", "scenario injection not configured")
		return
	}
	report, err := s.opts.Injector.Run(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, scenario.ErrUnknownScenario) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "INJECTION_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
