// Package kms implements the key management service: it orchestrates BB84
// exchanges, QBER-gated key derivation, per-device session bookkeeping, and
// the GREEN/YELLOW/RED link-health record consumed by external enforcement.
package kms

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/signalsfoundry/qkd-kms/core"
	qcrypto "github.com/signalsfoundry/qkd-kms/internal/crypto"
	"github.com/signalsfoundry/qkd-kms/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "github.com/signalsfoundry/qkd-kms/internal/kms"

// Derivation labels. Protocol-scoped rather than device-scoped so that a
// paired device receives the byte-identical key.
const (
	sessionKeyLabel = "qkd-kms/session-key/v1"
	hybridKeyLabel  = "qkd-kms/session-key/hybrid/v1"

	hybridSupplementLen = 32
)

// ErrEmptyDeviceID indicates a key request without a device identifier.
var ErrEmptyDeviceID = errors.New("empty device id")

// MetricsRecorder receives operational updates from the manager. Implemented
// by the observability collector; plain types keep the two packages
// decoupled.
type MetricsRecorder interface {
	AddKeyIssued()
	AddAttackDetected()
	SetLinkHealth(status string, qber float64, activeSessions int)
}

// Config bundles the manager's tunables.
type Config struct {
	// Channel holds the simulation parameters for each exchange. Zero-valued
	// fields take the core defaults.
	Channel core.Params
	// Thresholds are the QBER classification bounds. Zero value takes
	// DefaultThresholds.
	Thresholds Thresholds
}

// Manager is the stateful key management service. All shared mutable state
// (the link-health record, the session table, the pairing slot, the forced
// attack latch) lives behind one mutex; the CPU-bound exchange itself always
// runs outside it, so concurrent callers simulate in parallel and only the
// bookkeeping commit serializes.
type Manager struct {
	mu sync.RWMutex

	cfg Config

	sessions        map[string]*Session
	status          LinkStatus
	lastQBER        float64
	keysIssued      uint64
	attacksDetected uint64
	forcedAttack    bool
	pair            pairSlot

	newRand func() *mrand.Rand
	now     func() time.Time
	log     logging.Logger
	metrics MetricsRecorder
}

// pairSlot is the explicit two-slot demo pairing: the most recently accepted
// key, its owner, and at most one peer. A second distinct device inside the
// epoch receives the slot key; any further distinct device replaces the slot
// via a fresh exchange, so unrelated identifiers never silently share keys.
type pairSlot struct {
	key     []byte
	ownerID string
	peerID  string
	qber    float64
}

// Option customises Manager construction.
type Option func(*Manager)

// WithMetricsRecorder attaches an operational metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides the session timestamp source.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) {
		if now != nil {
			mgr.now = now
		}
	}
}

// WithRandSource overrides the per-exchange random source factory. Each call
// to the factory must return an independent source; exchanges run
// concurrently.
func WithRandSource(newRand func() *mrand.Rand) Option {
	return func(mgr *Manager) {
		if newRand != nil {
			mgr.newRand = newRand
		}
	}
}

// NewManager validates the configuration and returns a Manager in the
// baseline state: status GREEN, zero counters, no sessions.
func NewManager(cfg Config, log logging.Logger, opts ...Option) (*Manager, error) {
	if log == nil {
		log = logging.Noop()
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Channel.WithDefaults().Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		status:   StatusGreen,
		newRand:  defaultRandSource,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	log.Info(context.Background(), "key manager initialised",
		logging.Float64("safe_threshold", cfg.Thresholds.Safe),
		logging.Float64("security_threshold", cfg.Thresholds.Security),
	)
	return m, nil
}

// IssueKey runs a BB84 exchange for the requesting device and either issues
// a derived session key or returns a structured security rejection. The
// exchange and derivation run outside the lock; the multi-field health
// update (status, QBER, counters, session table) commits as one atomic unit.
//
// Error classes, distinct from the rejection result: invalid configuration
// (core.ErrInvalidParams, core.ErrNoRandomSource) and the retryable
// core.ErrInsufficientKeyMaterial, which deliberately leaves link health
// untouched since it reflects sizing, not security.
func (m *Manager) IssueKey(ctx context.Context, req KeyRequest) (IssueResult, error) {
	if req.DeviceID == "" {
		return IssueResult{}, ErrEmptyDeviceID
	}
	ctx, reqLog := logging.WithRequestLogger(ctx, m.log.With(logging.String("device_id", req.DeviceID)))

	// Latch the eavesdropper decision and try the pairing slot in a single
	// critical section so a concurrent accepted run cannot slip between the
	// two reads.
	m.mu.Lock()
	eavesdropper := req.ForceAttack || m.forcedAttack
	if res, ok := m.claimPairLocked(req, eavesdropper); ok {
		m.mu.Unlock()
		reqLog.Info(ctx, "session key shared from pairing slot",
			logging.Float64("qber", res.QBER),
			logging.String("status", string(res.Status)),
		)
		if m.metrics != nil {
			m.metrics.AddKeyIssued()
			snap := m.CheckLinkHealth()
			m.metrics.SetLinkHealth(string(snap.Status), snap.LastQBER, snap.ActiveSessions)
		}
		return res, nil
	}
	m.mu.Unlock()

	params := m.cfg.Channel
	params.Eavesdropper = eavesdropper

	rng := m.newRand()
	if rng == nil {
		return IssueResult{}, fmt.Errorf("%w: rand source factory returned nil", core.ErrNoRandomSource)
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "KMS/IssueKey")
	span.SetAttributes(
		attribute.String("device_id", req.DeviceID),
		attribute.Bool("eavesdropper", eavesdropper),
		attribute.Bool("hybrid", req.Hybrid),
	)
	defer span.End()

	run, err := core.Run(params, rng)
	if err != nil {
		span.RecordError(err)
		reqLog.Warn(ctx, "exchange failed", logging.Err(err))
		return IssueResult{}, fmt.Errorf("bb84 exchange: %w", err)
	}
	span.SetAttributes(attribute.Float64("qber", run.QBER))

	if run.Detected || m.cfg.Thresholds.Rejects(run.QBER) {
		return m.commitRejection(ctx, reqLog, req, run), nil
	}

	key, err := m.deriveKey(run.RawSecret, req.Hybrid)
	if err != nil {
		span.RecordError(err)
		return IssueResult{}, err
	}

	return m.commitIssuance(ctx, reqLog, req, run, key, eavesdropper), nil
}

// claimPairLocked satisfies an eligible request from the pairing slot.
// Callers hold the write lock. Forced-attack and hybrid requests never pair:
// the former must exercise the channel, the latter derives device-specific
// keys.
func (m *Manager) claimPairLocked(req KeyRequest, eavesdropper bool) (IssueResult, bool) {
	if eavesdropper || req.Hybrid || m.pair.key == nil || m.pair.ownerID == req.DeviceID {
		return IssueResult{}, false
	}
	if m.pair.peerID != "" && m.pair.peerID != req.DeviceID {
		return IssueResult{}, false
	}

	m.pair.peerID = req.DeviceID
	key := append([]byte(nil), m.pair.key...)
	m.sessions[req.DeviceID] = &Session{
		DeviceID: req.DeviceID,
		Key:      append([]byte(nil), key...),
		IssuedAt: m.now(),
		QBER:     m.pair.qber,
	}
	m.keysIssued++

	return IssueResult{
		Key:    key,
		QBER:   m.pair.qber,
		Status: m.status,
		Shared: true,
	}, true
}

func (m *Manager) deriveKey(rawSecret []byte, hybrid bool) ([]byte, error) {
	secret := rawSecret
	label := sessionKeyLabel
	if hybrid {
		supplement := make([]byte, hybridSupplementLen)
		if _, err := cryptorand.Read(supplement); err != nil {
			return nil, fmt.Errorf("%w: hybrid supplement: %v", core.ErrNoRandomSource, err)
		}
		secret = qcrypto.HybridSecret(rawSecret, supplement)
		label = hybridKeyLabel
	}
	key, err := qcrypto.DeriveSessionKey(secret, label)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

func (m *Manager) commitRejection(ctx context.Context, reqLog logging.Logger, req KeyRequest, run core.Result) IssueResult {
	m.mu.Lock()
	m.lastQBER = run.QBER
	m.status = StatusRed
	m.attacksDetected++
	// A compromised exchange voids the current pairing epoch.
	m.pair = pairSlot{}
	active := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AddAttackDetected()
		m.metrics.SetLinkHealth(string(StatusRed), run.QBER, active)
	}
	reqLog.Warn(ctx, "key issuance blocked, eavesdropping suspected",
		logging.Float64("qber", run.QBER),
		logging.Float64("security_threshold", m.cfg.Thresholds.Security),
	)

	return IssueResult{
		Denied: true,
		Reason: fmt.Sprintf("observed QBER %.4f exceeds security threshold %.2f", run.QBER, m.cfg.Thresholds.Security),
		QBER:   run.QBER,
		Status: StatusRed,
	}
}

func (m *Manager) commitIssuance(ctx context.Context, reqLog logging.Logger, req KeyRequest, run core.Result, key []byte, eavesdropper bool) IssueResult {
	m.mu.Lock()
	status := m.cfg.Thresholds.Classify(run.QBER)
	m.status = status
	m.lastQBER = run.QBER
	// The session and the pairing slot own their copies; wiping them later
	// must not zero the bytes already handed to the caller.
	m.sessions[req.DeviceID] = &Session{
		DeviceID: req.DeviceID,
		Key:      append([]byte(nil), key...),
		IssuedAt: m.now(),
		QBER:     run.QBER,
	}
	m.keysIssued++
	// A run that involved an eavesdropper never seeds the pairing slot, even
	// when its sampled QBER slipped under the threshold; the key is from a
	// compromised exchange and must not be handed to a peer later.
	if req.Hybrid || eavesdropper {
		m.pair = pairSlot{}
	} else {
		m.pair = pairSlot{key: append([]byte(nil), key...), ownerID: req.DeviceID, qber: run.QBER}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AddKeyIssued()
		m.metrics.SetLinkHealth(string(status), run.QBER, active)
	}
	reqLog.Info(ctx, "session key issued",
		logging.Float64("qber", run.QBER),
		logging.String("status", string(status)),
		logging.Int("sifted_len", run.SiftedLen),
		logging.Bool("hybrid", req.Hybrid),
	)

	return IssueResult{
		Key:    key,
		QBER:   run.QBER,
		Status: status,
		Hybrid: req.Hybrid,
	}
}

// CheckLinkHealth returns a consistent snapshot of the link health record.
// It takes only the read lock, so it never waits behind an in-flight
// exchange, only behind its brief bookkeeping commit.
func (m *Manager) CheckLinkHealth() HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return HealthSnapshot{
		Status:          m.status,
		LastQBER:        m.lastQBER,
		KeysIssued:      m.keysIssued,
		AttacksDetected: m.attacksDetected,
		ActiveSessions:  len(m.sessions),
		ForcedAttack:    m.forcedAttack,
	}
}

// ForceAttack latches the operator attack override: every subsequent
// exchange includes an eavesdropper until ClearForcedAttack or
// ResetForDemo. The pairing slot is voided so the next request exercises
// the compromised channel instead of short-circuiting.
func (m *Manager) ForceAttack() {
	m.mu.Lock()
	m.forcedAttack = true
	m.pair = pairSlot{}
	m.mu.Unlock()
	m.log.Warn(context.Background(), "operator forced attack latched")
}

// ClearForcedAttack releases the operator attack override.
func (m *Manager) ClearForcedAttack() {
	m.mu.Lock()
	m.forcedAttack = false
	m.mu.Unlock()
	m.log.Info(context.Background(), "operator forced attack cleared")
}

// InvalidateSession discards a device's session record, reporting whether
// one existed. The key material is wiped. If the device held a pairing-slot
// role the slot is narrowed accordingly.
func (m *Manager) InvalidateSession(deviceID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if ok {
		qcrypto.Wipe(sess.Key)
		delete(m.sessions, deviceID)
		switch deviceID {
		case m.pair.ownerID:
			m.pair = pairSlot{}
		case m.pair.peerID:
			m.pair.peerID = ""
		}
	}
	active := len(m.sessions)
	status := m.status
	qber := m.lastQBER
	m.mu.Unlock()

	if ok {
		if m.metrics != nil {
			m.metrics.SetLinkHealth(string(status), qber, active)
		}
		m.log.Info(context.Background(), "session invalidated", logging.String("device_id", deviceID))
	}
	return ok
}

// ResetForDemo atomically clears all state back to baseline: status GREEN,
// zero QBER and counters, empty session table, empty pairing slot, forced
// attack released.
func (m *Manager) ResetForDemo() {
	m.mu.Lock()
	for _, sess := range m.sessions {
		qcrypto.Wipe(sess.Key)
	}
	if m.pair.key != nil {
		qcrypto.Wipe(m.pair.key)
	}
	m.sessions = make(map[string]*Session)
	m.status = StatusGreen
	m.lastQBER = 0
	m.keysIssued = 0
	m.attacksDetected = 0
	m.forcedAttack = false
	m.pair = pairSlot{}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetLinkHealth(string(StatusGreen), 0, 0)
	}
	m.log.Info(context.Background(), "state reset to baseline")
}

// defaultRandSource seeds an independent math/rand source from the OS
// entropy pool for each exchange. Returns nil when the pool is unreadable;
// IssueKey surfaces that as a configuration error.
func defaultRandSource() *mrand.Rand {
	var seed int64
	if err := binary.Read(cryptorand.Reader, binary.BigEndian, &seed); err != nil {
		return nil
	}
	return mrand.New(mrand.NewSource(seed))
}
