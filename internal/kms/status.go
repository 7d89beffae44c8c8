package kms

import (
	"fmt"

	"github.com/signalsfoundry/qkd-kms/core"
)

// LinkStatus is the graded trust signal for the quantum link, consumed by
// the external enforcement agent.
type LinkStatus string

const (
	// StatusGreen means the latest QBER sits below the safe threshold.
	StatusGreen LinkStatus = "GREEN"
	// StatusYellow means the latest QBER is elevated but below the security
	// threshold.
	StatusYellow LinkStatus = "YELLOW"
	// StatusRed means the latest QBER reached the security threshold or an
	// attack was explicitly detected. Key issuance is blocked until a later
	// exchange reports a safe QBER or the service is reset.
	StatusRed LinkStatus = "RED"
)

// Thresholds holds the QBER classification bounds.
type Thresholds struct {
	// Safe is the upper bound (exclusive) for GREEN.
	Safe float64
	// Security is the upper bound (exclusive) for YELLOW; at or above it the
	// link is RED.
	Security float64
}

// DefaultThresholds returns the standard 5% / 11% classification bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{Safe: 0.05, Security: core.SecurityThreshold}
}

// Validate rejects inconsistent threshold configurations.
func (t Thresholds) Validate() error {
	if t.Safe <= 0 || t.Security <= 0 || t.Safe >= t.Security || t.Security > 1 {
		return fmt.Errorf("%w: thresholds safe=%v security=%v", core.ErrInvalidParams, t.Safe, t.Security)
	}
	return nil
}

// Rejects reports whether a QBER observation blocks key issuance. The bound
// is inclusive, matching Classify: any QBER that commits RED also denies the
// key, so a key is never issued under a RED status.
func (t Thresholds) Rejects(qber float64) bool {
	return qber >= t.Security
}

// Classify maps the latest observed QBER onto a link status. It is a pure
// classifier over the single most recent observation: no hysteresis, no
// smoothing, no dependence on prior status.
func (t Thresholds) Classify(qber float64) LinkStatus {
	switch {
	case qber < t.Safe:
		return StatusGreen
	case qber < t.Security:
		return StatusYellow
	default:
		return StatusRed
	}
}
