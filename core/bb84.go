// Package core implements a classical statistical emulation of the BB84
// quantum key distribution exchange. It reproduces the protocol's
// detectability property: an intercept-resend eavesdropper measurably raises
// the observed error rate of the sifted key.
package core

import (
	"fmt"
	"math/rand"
)

// Result carries the outcome of one simulated exchange.
type Result struct {
	// RawSecret is the retained sifted bits packed MSB-first into
	// Params.SecretLen bytes. It excludes every disclosed-sample position.
	RawSecret []byte
	// QBER is the fraction of the disclosed sample where the sender's and
	// receiver's bits disagree.
	QBER float64
	// Detected reports whether QBER exceeded SecurityThreshold.
	Detected bool
	// SiftedLen is the number of positions surviving sifting.
	SiftedLen int
	// SampleLen is the number of sifted positions disclosed for the error
	// estimate.
	SampleLen int
}

// Run executes a full BB84 exchange with the given parameters, drawing all
// randomness from rng. Given a fixed random source the function is pure,
// which is what makes the simulator independently testable with seeded
// sources.
//
// The exchange proceeds in the usual phases: the sender prepares random
// (bit, basis) pairs, the optional eavesdropper intercepts and re-sends a
// fraction of positions, channel noise flips bits at the receiver, the
// receiver measures in independently random bases, and sifting keeps exactly
// the positions where the basis choices match. A leading fraction of the
// sifted key is disclosed to estimate the error rate; the rest is packed
// into the raw secret.
func Run(p Params, rng *rand.Rand) (Result, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if rng == nil {
		return Result{}, fmt.Errorf("%w: nil rng", ErrNoRandomSource)
	}

	n := p.BitCount
	senderBits := randomBits(rng, n)
	senderBases := randomBits(rng, n)
	receiverBases := randomBits(rng, n)

	siftedSender := make([]uint8, 0, n/2)
	siftedReceiver := make([]uint8, 0, n/2)

	for i := 0; i < n; i++ {
		// Intercept-resend: when the eavesdropper measures in the wrong
		// basis the qubit collapses, so the receiver sees a random bit even
		// with a matching basis.
		disturbed := false
		if p.Eavesdropper && rng.Float64() < p.InterceptRate {
			if uint8(rng.Intn(2)) != senderBases[i] {
				disturbed = true
			}
		}

		var received uint8
		if receiverBases[i] == senderBases[i] {
			switch {
			case disturbed:
				received = uint8(rng.Intn(2))
			case rng.Float64() < p.NoiseLevel:
				received = 1 - senderBits[i]
			default:
				received = senderBits[i]
			}
		} else {
			// Wrong measurement basis always yields a uniform result.
			received = uint8(rng.Intn(2))
		}

		if senderBases[i] == receiverBases[i] {
			siftedSender = append(siftedSender, senderBits[i])
			siftedReceiver = append(siftedReceiver, received)
		}
	}

	siftedLen := len(siftedSender)
	sampleLen := int(float64(siftedLen) * p.SampleFraction)
	if sampleLen == 0 {
		return Result{}, fmt.Errorf("%w: %d sifted positions at sample fraction %v",
			ErrEmptySample, siftedLen, p.SampleFraction)
	}

	// The QBER is estimated over the disclosed prefix only; those positions
	// are consumed by the estimate and excluded from the secret.
	mismatches := 0
	for i := 0; i < sampleLen; i++ {
		if siftedSender[i] != siftedReceiver[i] {
			mismatches++
		}
	}
	qber := float64(mismatches) / float64(sampleLen)

	retained := siftedSender[sampleLen:]
	secretBits := p.SecretLen * 8
	if len(retained) < secretBits {
		return Result{}, fmt.Errorf("%w: %d retained bits, need %d",
			ErrInsufficientKeyMaterial, len(retained), secretBits)
	}

	return Result{
		RawSecret: packBits(retained, p.SecretLen),
		QBER:      qber,
		Detected:  qber > SecurityThreshold,
		SiftedLen: siftedLen,
		SampleLen: sampleLen,
	}, nil
}

func randomBits(rng *rand.Rand, n int) []uint8 {
	bits := make([]uint8, n)
	for i := range bits {
		bits[i] = uint8(rng.Intn(2))
	}
	return bits
}

// packBits packs the first 8*n bits MSB-first into n bytes.
func packBits(bits []uint8, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n*8; i++ {
		if bits[i] == 1 {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}
