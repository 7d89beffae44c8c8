package api

// KeyRequest is the body for a session key request.
type KeyRequest struct {
	DeviceID    string `json:"device_id"`
	ForceAttack bool   `json:"force_attack,omitempty"`
	Hybrid      bool   `json:"hybrid,omitempty"`
}

// KeyResponse is returned when a session key is issued.
type KeyResponse struct {
	KeyHex string  `json:"key_hex"`
	QBER   float64 `json:"qber"`
	Status string  `json:"status"`
	Hybrid bool    `json:"hybrid"`
	Shared bool    `json:"shared,omitempty"`
}

// RejectionResponse is returned when key issuance is blocked by the QBER
// gate. It is a distinct shape from KeyResponse, never a key with optional
// fields.
type RejectionResponse struct {
	Error  string  `json:"error"`
	QBER   float64 `json:"qber"`
	Status string  `json:"status"`
}

// LinkHealthResponse reports the current link health record.
type LinkHealthResponse struct {
	Status          string  `json:"status"`
	QBER            float64 `json:"qber"`
	TotalKeysIssued uint64  `json:"total_keys_issued"`
	AttacksDetected uint64  `json:"attacks_detected"`
	ActiveSessions  int     `json:"active_sessions"`
	ForcedAttack    bool    `json:"forced_attack"`
}

// AttackResponse acknowledges an operator attack trigger.
type AttackResponse struct {
	Status  string  `json:"status"`
	QBER    float64 `json:"qber"`
	Message string  `json:"message"`
}

// ResetResponse acknowledges a demo reset.
type ResetResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse carries a request-level failure distinct from a security
// rejection.
type ErrorResponse struct {
	Error string `json:"error"`
}
