package core

import (
	"errors"
	"fmt"
)

const (
	// SecurityThreshold is the QBER bound above which an exchange is treated
	// as compromised. Under intercept-resend the expected QBER is 25%, and
	// below ~11% a secure key can still be distilled, so 0.11 is the abort
	// line for BB84.
	SecurityThreshold = 0.11

	// DefaultBitCount is the default number of raw positions per exchange.
	// Sifting keeps ~50% of positions, so 768 covers a 256-bit secret plus
	// the disclosed error-estimation sample with margin.
	DefaultBitCount = 768

	// DefaultSampleFraction is the share of the sifted key disclosed for
	// error estimation. Disclosed positions are consumed by the estimate and
	// never reused as key material.
	DefaultSampleFraction = 0.15

	// DefaultSecretLen is the raw shared secret length in bytes.
	DefaultSecretLen = 32
)

var (
	// ErrInvalidParams indicates out-of-range or inconsistent channel parameters.
	ErrInvalidParams = errors.New("invalid channel parameters")
	// ErrNoRandomSource indicates the random source backing the exchange is
	// missing or failed.
	ErrNoRandomSource = errors.New("random source unavailable")
	// ErrEmptySample indicates the disclosed sample was empty, leaving the
	// error rate undefined.
	ErrEmptySample = errors.New("empty disclosed sample")
	// ErrInsufficientKeyMaterial indicates too few sifted positions remained
	// after error estimation to fill the raw secret. Retryable.
	ErrInsufficientKeyMaterial = errors.New("insufficient key material")
)

// Params configures a single simulated BB84 exchange. The JSON tags let a
// channel profile be loaded from a config file.
type Params struct {
	// BitCount is the number of raw positions transmitted.
	BitCount int `json:"bit_count"`
	// Eavesdropper toggles an intercept-resend attacker on the channel.
	Eavesdropper bool `json:"eavesdropper,omitempty"`
	// InterceptRate is the per-position probability of interception when
	// Eavesdropper is set.
	InterceptRate float64 `json:"intercept_rate,omitempty"`
	// NoiseLevel is the baseline bit-flip probability of the channel,
	// independent of interception.
	NoiseLevel float64 `json:"noise_level"`
	// SampleFraction is the share of the sifted key disclosed for error
	// estimation. Zero selects DefaultSampleFraction.
	SampleFraction float64 `json:"sample_fraction,omitempty"`
	// SecretLen is the raw secret length in bytes. Zero selects
	// DefaultSecretLen.
	SecretLen int `json:"secret_len,omitempty"`
}

// WithDefaults fills zero-valued tunables with their defaults.
func (p Params) WithDefaults() Params {
	if p.BitCount == 0 {
		p.BitCount = DefaultBitCount
	}
	if p.Eavesdropper && p.InterceptRate == 0 {
		p.InterceptRate = 1.0
	}
	if p.SampleFraction == 0 {
		p.SampleFraction = DefaultSampleFraction
	}
	if p.SecretLen == 0 {
		p.SecretLen = DefaultSecretLen
	}
	return p
}

// Validate rejects parameter sets the exchange cannot honour. Defaults are
// applied before validation by Run, so zero values are acceptable on input.
func (p Params) Validate() error {
	if p.BitCount <= 0 {
		return fmt.Errorf("%w: bit count %d must be positive", ErrInvalidParams, p.BitCount)
	}
	if p.InterceptRate < 0 || p.InterceptRate > 1 {
		return fmt.Errorf("%w: intercept rate %v outside [0,1]", ErrInvalidParams, p.InterceptRate)
	}
	if p.NoiseLevel < 0 || p.NoiseLevel > 1 {
		return fmt.Errorf("%w: noise level %v outside [0,1]", ErrInvalidParams, p.NoiseLevel)
	}
	if p.SampleFraction < 0 || p.SampleFraction >= 1 {
		return fmt.Errorf("%w: sample fraction %v outside [0,1)", ErrInvalidParams, p.SampleFraction)
	}
	if p.SecretLen < 0 {
		return fmt.Errorf("%w: secret length %d must be positive", ErrInvalidParams, p.SecretLen)
	}
	return nil
}

// EstimateBitCount recommends a raw position count for a secret of the given
// bit length: sifting discards ~50% of positions and the disclosed sample
// consumes sampleFraction of the remainder, with a 20% safety margin on top.
func EstimateBitCount(secretBits int, sampleFraction float64) int {
	if secretBits <= 0 {
		return 0
	}
	if sampleFraction <= 0 || sampleFraction >= 1 {
		sampleFraction = DefaultSampleFraction
	}
	raw := 2 * float64(secretBits) / (1 - sampleFraction)
	return int(raw * 1.2)
}
