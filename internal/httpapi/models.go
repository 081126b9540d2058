package httpapi

import (
	"encoding/json"
	"time"
)

// EvidenceSubmitRequest is the evidence bundle submit body (spec §6).
type EvidenceSubmitRequest struct {
	BundleID        string          `json:"bundle_id" validate:"required"`
	SiteID          string          `json:"site_id" validate:"required"`
	ApplianceID     string          `json:"appliance_id" validate:"required"`
	CheckType       string          `json:"check_type" validate:"required"`
	CheckResult     string          `json:"check_result" validate:"required,oneof=pass fail warn"`
	Checks          json.RawMessage `json:"checks" validate:"required"`
	Summary         json.RawMessage `json:"summary"`
	SignedData      string          `json:"signed_data" validate:"required"`
	Signature       string          `json:"signature" validate:"required"`
	CheckedAt       time.Time       `json:"checked_at"`
	NTPVerification json.RawMessage `json:"ntp_verification"`
}

// EvidenceSubmitResponse mirrors spec §6's exact response contract.
type EvidenceSubmitResponse struct {
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason,omitempty"`
	ChainPosition  int64  `json:"chain_position,omitempty"`
	ChainHash      string `json:"chain_hash,omitempty"`
	SignatureValid bool   `json:"signature_valid,omitempty"`
}

// TelemetryRecordDTO is one entry of a telemetry submit batch (spec §3/§6).
type TelemetryRecordDTO struct {
	ExecutionID      string          `json:"execution_id" validate:"required"`
	IncidentID       string          `json:"incident_id"`
	SiteID           string          `json:"site_id" validate:"required"`
	ApplianceID      string          `json:"appliance_id" validate:"required"`
	RunbookID        *string         `json:"runbook_id"`
	Hostname         string          `json:"hostname" validate:"required"`
	Platform         string          `json:"platform"`
	IncidentType     string          `json:"incident_type" validate:"required"`
	Success          bool            `json:"success"`
	ResolutionLevel  string          `json:"resolution_level" validate:"required,oneof=L1 L2 L3"`
	DurationSeconds  *float64        `json:"duration_seconds"`
	StateBefore      json.RawMessage `json:"state_before"`
	StateAfter       json.RawMessage `json:"state_after"`
	StateDiff        json.RawMessage `json:"state_diff"`
	FailureType      *string         `json:"failure_type"`
	CostUSD          *float64        `json:"cost_usd"`
	InputTokens      *int            `json:"input_tokens"`
	OutputTokens     *int            `json:"output_tokens"`
	PatternSignature string          `json:"pattern_signature"`
	ChaosCampaignID  *string         `json:"chaos_campaign_id"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// TelemetrySubmitRequest is a batch of records (spec §6 "Telemetry submit").
type TelemetrySubmitRequest struct {
	Records []TelemetryRecordDTO `json:"records" validate:"required,dive"`
}

// TelemetrySubmitResponse mirrors spec §6's `{stored: N}` contract.
type TelemetrySubmitResponse struct {
	Stored int `json:"stored"`
}

// OrderResultRequest is the order acknowledgement body (spec §6 "Order result").
type OrderResultRequest struct {
	OrderID     string          `json:"order_id" validate:"required"`
	Nonce       string          `json:"nonce" validate:"required"`
	ApplianceID string          `json:"appliance_id" validate:"required"`
	Status      string          `json:"status" validate:"required,oneof=completed failed"`
	Result      json.RawMessage `json:"result"`
	Error       *string         `json:"error,omitempty"`
}
