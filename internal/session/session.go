// Package session maintains correlation identifiers and PII-free resume
// snapshots. The snapshot slot is the only state that outlives a process;
// everything else is rebuilt per journey from the manifest.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fixed secure-store slot identity. One snapshot slot per process identity.
const (
	storeService = "com.journeyruntime.session"
	storeAccount = "resume-snapshot"
)

// Snapshot is the persisted resume record. It carries no PII: step
// identifiers and keys only.
type Snapshot struct {
	JourneyID      string    `json:"journeyId"`
	StepPointer    string    `json:"stepPointer"`
	IdempotencyKey string    `json:"idempotencyKey"`
	TS             time.Time `json:"ts"`
}

// Manager owns the mutable session state for the process. Reads run
// concurrently; writes are exclusive.
type Manager struct {
	mu    sync.RWMutex
	store Store

	correlationID  string
	contextToken   string
	resumeToken    string
	stepPointer    string
	idempotencyKey string
}

// NewManager creates a Manager with fresh correlation and idempotency
// identifiers.
func NewManager(store Store) *Manager {
	return &Manager{
		store:          store,
		correlationID:  uuid.NewString(),
		idempotencyKey: uuid.NewString(),
	}
}

// StartSession rotates the session identifiers and binds the caller's
// context token. A non-empty resumeToken is carried until LoadSnapshot
// binds it to stored state.
func (m *Manager) StartSession(contextToken, resumeToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correlationID = uuid.NewString()
	m.idempotencyKey = uuid.NewString()
	m.contextToken = contextToken
	m.resumeToken = resumeToken
	m.stepPointer = ""
}

// CorrelationID returns the session correlation id; it appears in every
// emitted event.
func (m *Manager) CorrelationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.correlationID
}

// ContextToken returns the caller-supplied authorization token.
func (m *Manager) ContextToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contextToken
}

// ResumeToken returns the caller-supplied resume token, if any.
func (m *Manager) ResumeToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resumeToken
}

// StepPointer returns the most recently entered step id.
func (m *Manager) StepPointer() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepPointer
}

// IdempotencyKey returns the session idempotency key. It is generated per
// session and preserved across snapshots.
func (m *Manager) IdempotencyKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotencyKey
}

// SaveSnapshot persists the resume record for a journey at step
// granularity. The previous slot value is unconditionally deleted first.
func (m *Manager) SaveSnapshot(journeyID, stepID string) error {
	m.mu.Lock()
	m.stepPointer = stepID
	snap := Snapshot{
		JourneyID:      journeyID,
		StepPointer:    stepID,
		IdempotencyKey: m.idempotencyKey,
		TS:             time.Now().UTC(),
	}
	m.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: encode snapshot: %w", err)
	}

	_ = m.store.Delete(storeService, storeAccount)
	if err := m.store.Set(storeService, storeAccount, data); err != nil {
		return fmt.Errorf("session: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored snapshot, binds resumeToken to the session
// and restores the step pointer and idempotency key.
//
// TODO: bind resumeToken to the snapshot at write time so the lookup is
// keyed; today any token reveals the stored record.
func (m *Manager) LoadSnapshot(resumeToken string) (*Snapshot, error) {
	data, err := m.store.Get(storeService, storeAccount)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: decode snapshot: %w", err)
	}

	m.mu.Lock()
	m.resumeToken = resumeToken
	m.stepPointer = snap.StepPointer
	m.idempotencyKey = snap.IdempotencyKey
	m.mu.Unlock()

	return &snap, nil
}

// ClearSnapshot removes the persisted slot.
func (m *Manager) ClearSnapshot() error {
	return m.store.Delete(storeService, storeAccount)
}
