// Package httpapi wires the control plane's HTTP surface: checkin,
// evidence submit, telemetry submit, and order result, behind a chi
// router with the same per-request validation shape an appliance's own
// checkin handler uses, generalized to every inbound contract named in
// spec §6.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/osiriscare/controlplane/internal/cache"
	"github.com/osiriscare/controlplane/internal/checkin"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/evidence"
	"github.com/osiriscare/controlplane/internal/orders"
	"github.com/osiriscare/controlplane/internal/telemetry"
)

var validate = validator.New()

// Server holds every service the HTTP surface dispatches into.
type Server struct {
	checkinHandler *checkin.Handler
	evidence       *evidence.Service
	telemetry      *telemetry.Ingest
	orders         *orders.Registry
	scores         *cache.ScoreCache
	log            *zap.Logger
}

func NewServer(checkinHandler *checkin.Handler, evidenceSvc *evidence.Service, telemetryIngest *telemetry.Ingest, orderRegistry *orders.Registry, scores *cache.ScoreCache, log *zap.Logger) *Server {
	return &Server{
		checkinHandler: checkinHandler,
		evidence:       evidenceSvc,
		telemetry:      telemetryIngest,
		orders:         orderRegistry,
		scores:         scores,
		log:            log,
	}
}

// Router builds the full chi mux: /checkin, /evidence/submit,
// /telemetry/submit, /orders/result, /compliance/score, plus /health and
// /metrics.
func (s *Server) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}
	r.Post("/checkin", s.checkinHandler.ServeHTTP)
	r.Post("/evidence/submit", s.handleEvidenceSubmit)
	r.Post("/telemetry/submit", s.handleTelemetrySubmit)
	r.Post("/orders/result", s.handleOrderResult)
	r.Get("/compliance/score", s.handleComplianceScore)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleEvidenceSubmit(w http.ResponseWriter, r *http.Request) {
	var req EvidenceSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "invalid evidence submit body"), true)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "missing required fields"), true)
		return
	}

	result, err := s.evidence.SubmitBundle(r.Context(), evidence.BundleSubmission{
		BundleID:        req.BundleID,
		SiteID:          req.SiteID,
		ApplianceID:     req.ApplianceID,
		CheckType:       req.CheckType,
		CheckResult:     req.CheckResult,
		Checks:          req.Checks,
		Summary:         req.Summary,
		SignedData:      []byte(req.SignedData),
		Signature:       req.Signature,
		CheckedAt:       req.CheckedAt,
		NTPVerification: req.NTPVerification,
	})
	if err != nil {
		writeError(w, err, true)
		return
	}

	writeJSON(w, http.StatusOK, EvidenceSubmitResponse{
		Accepted:       result.Accepted,
		Reason:         result.Reason,
		ChainPosition:  result.ChainPosition,
		ChainHash:      result.ChainHash,
		SignatureValid: result.SignatureValid,
	})
}

func (s *Server) handleTelemetrySubmit(w http.ResponseWriter, r *http.Request) {
	var req TelemetrySubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "invalid telemetry submit body"), true)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "missing required fields"), true)
		return
	}

	stored := 0
	for _, rec := range req.Records {
		occurredAt := rec.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}
		err := s.telemetry.IngestOne(r.Context(), telemetry.Record{
			ExecutionID:      rec.ExecutionID,
			IncidentID:       rec.IncidentID,
			SiteID:           rec.SiteID,
			ApplianceID:      rec.ApplianceID,
			RunbookID:        rec.RunbookID,
			Hostname:         rec.Hostname,
			Platform:         rec.Platform,
			IncidentType:     rec.IncidentType,
			Success:          rec.Success,
			ResolutionLevel:  rec.ResolutionLevel,
			DurationSeconds:  rec.DurationSeconds,
			StateBefore:      rec.StateBefore,
			StateAfter:       rec.StateAfter,
			StateDiff:        rec.StateDiff,
			FailureType:      rec.FailureType,
			CostUSD:          rec.CostUSD,
			InputTokens:      rec.InputTokens,
			OutputTokens:     rec.OutputTokens,
			PatternSignature: rec.PatternSignature,
			ChaosCampaignID:  rec.ChaosCampaignID,
			OccurredAt:       occurredAt,
		})
		if err != nil {
			writeError(w, err, true)
			return
		}
		stored++
	}

	writeJSON(w, http.StatusOK, TelemetrySubmitResponse{Stored: stored})
}

func (s *Server) handleOrderResult(w http.ResponseWriter, r *http.Request) {
	var req OrderResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "invalid order result body"), true)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "missing required fields"), true)
		return
	}

	err := s.orders.Acknowledge(r.Context(), req.OrderID, req.ApplianceID, req.Nonce,
		orders.Status(req.Status), req.Result, req.Error)
	if err != nil {
		writeError(w, err, true)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleComplianceScore answers from the Redis cache first (spec §4.3
// "refreshed asynchronously"), falling back to a live recompute against
// the trailing 30-day window and populating the cache on a miss.
func (s *Server) handleComplianceScore(w http.ResponseWriter, r *http.Request) {
	applianceID := r.URL.Query().Get("appliance_id")
	framework := r.URL.Query().Get("framework")
	if applianceID == "" || framework == "" {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "appliance_id and framework are required"), false)
		return
	}

	if cached, ok, err := s.scores.Get(r.Context(), applianceID, framework); err == nil && ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	score, err := s.evidence.RefreshComplianceScore(r.Context(), applianceID, framework, 30*24*time.Hour)
	if err != nil {
		writeError(w, err, false)
		return
	}
	result := cache.ComplianceScore{ApplianceID: applianceID, Framework: framework, Score: score, RefreshedAt: time.Now().UTC()}
	_ = s.scores.Set(r.Context(), result)
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an errkind category to an HTTP status via the shared
// agent-vs-admin propagation policy (spec §7), same mapping checkin uses.
func writeError(w http.ResponseWriter, err error, forAgent bool) {
	status := http.StatusInternalServerError
	if kind, ok := errkind.As(err); ok {
		status = errkind.HTTPStatus(kind, forAgent)
	}
	msg := err.Error()
	var e *errkind.Error
	if forAgent && errors.As(err, &e) {
		msg = errkind.New(e.Kind, e.Message).Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
