package checkin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/osiriscare/controlplane/internal/errkind"
)

var validate = validator.New()

// Handler adapts Dispatcher to an HTTP endpoint, the same shape an
// appliance's own checkin handler uses: a single POST endpoint, per-site
// API key in the Authorization header, one ProcessCheckin call.
type Handler struct {
	dispatcher *Dispatcher
	log        *zap.Logger
}

func NewHandler(dispatcher *Dispatcher, log *zap.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	var req CheckinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "invalid checkin body"), true)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, errkind.New(errkind.QuotaOrValidation, "missing required fields"), true)
		return
	}

	apiKey := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	ok, err := h.dispatcher.ValidateAPIKey(r.Context(), req.SiteID, apiKey)
	if err != nil {
		writeError(w, err, true)
		return
	}
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp, err := h.dispatcher.ProcessCheckin(r.Context(), req)
	if err != nil {
		writeError(w, err, true)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)

	h.log.Info("checkin processed",
		zap.String("appliance_id", req.ApplianceID),
		zap.String("site_id", req.SiteID),
		zap.Duration("duration", time.Since(start)),
	)
}

// writeError maps an errkind category to an HTTP status via the shared
// agent-vs-admin propagation policy (spec §7).
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
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
