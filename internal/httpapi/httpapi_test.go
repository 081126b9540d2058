package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/osiriscare/controlplane/internal/errkind"
)

func TestHandleHealthReturnsOK(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	s.handleHealth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d (handleHealth always defaults to 200)", rr.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("got %q, want %q", body["status"], "ok")
	}
}

func TestWriteErrorMapsErrkindStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, errkind.New(errkind.QuotaOrValidation, "bad input"), true)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestWriteErrorDefaultsToInternalServerErrorForPlainError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, errors.New("boom"), true)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestWriteErrorUsesAgentVsAdminPolicy(t *testing.T) {
	agentRR := httptest.NewRecorder()
	writeError(agentRR, errkind.New(errkind.InvariantViolation, "chain broken"), true)
	if agentRR.Code != http.StatusServiceUnavailable {
		t.Fatalf("agent-facing invariant violation: got %d, want %d", agentRR.Code, http.StatusServiceUnavailable)
	}

	adminRR := httptest.NewRecorder()
	writeError(adminRR, errkind.New(errkind.InvariantViolation, "chain broken"), false)
	if adminRR.Code != http.StatusUnprocessableEntity {
		t.Fatalf("admin-facing invariant violation: got %d, want %d", adminRR.Code, http.StatusUnprocessableEntity)
	}
}
