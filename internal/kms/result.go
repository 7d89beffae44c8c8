package kms

import "time"

// KeyRequest describes a device's session key request.
type KeyRequest struct {
	// DeviceID identifies the requesting device. Required.
	DeviceID string
	// ForceAttack runs the exchange with an eavesdropper on the channel.
	ForceAttack bool
	// Hybrid mixes supplemental keying material into the derivation under a
	// distinct label. Hybrid keys are device-specific and never shared via
	// the pairing slot.
	Hybrid bool
}

// IssueResult is the tagged outcome of a key request: either an issued key
// or a structured security rejection. Exactly one of the two shapes is
// populated; Denied discriminates.
type IssueResult struct {
	// Key is the derived session key. Nil when Denied.
	Key []byte
	// Denied marks a security rejection: the observed QBER breached the
	// security threshold, so no key was issued.
	Denied bool
	// Reason explains a denial in operator-readable form. Empty otherwise.
	Reason string
	// QBER is the error rate observed by the exchange backing this result.
	QBER float64
	// Status is the link status committed by this request's bookkeeping.
	Status LinkStatus
	// Shared reports that the key was satisfied from the two-slot pairing
	// rather than a fresh exchange.
	Shared bool
	// Hybrid echoes the request's hybrid flag on success.
	Hybrid bool
}

// Session records a device's most recent issued key. A later issuance for
// the same device supersedes the record rather than mutating it.
type Session struct {
	DeviceID string
	Key      []byte
	IssuedAt time.Time
	QBER     float64
}

// HealthSnapshot is a consistent, immutable view of the link health record.
type HealthSnapshot struct {
	Status          LinkStatus
	LastQBER        float64
	KeysIssued      uint64
	AttacksDetected uint64
	ActiveSessions  int
	// ForcedAttack reports whether the operator attack override is latched.
	ForcedAttack bool
}
