package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	// Start a session, save, then load with an opaque token.
	m := NewManager(NewMemStore())
	m.StartSession("ctx-token", "")
	key := m.IdempotencyKey()
	require.NotEmpty(t, key)

	require.NoError(t, m.SaveSnapshot("journey-1", "step-2"))

	snap, err := m.LoadSnapshot("opaque-token")
	require.NoError(t, err)

	assert.Equal(t, "journey-1", snap.JourneyID)
	assert.Equal(t, "step-2", snap.StepPointer)
	assert.Equal(t, key, snap.IdempotencyKey)
	assert.WithinDuration(t, time.Now(), snap.TS, 5*time.Second)

	assert.Equal(t, "opaque-token", m.ResumeToken())
	assert.Equal(t, "step-2", m.StepPointer())
	assert.Equal(t, key, m.IdempotencyKey())
}

func TestStartSessionRotatesIdentifiers(t *testing.T) {
	m := NewManager(NewMemStore())
	corr := m.CorrelationID()
	key := m.IdempotencyKey()

	m.StartSession("tok", "")

	assert.NotEqual(t, corr, m.CorrelationID())
	assert.NotEqual(t, key, m.IdempotencyKey())
	assert.Equal(t, "tok", m.ContextToken())
}

func TestLoadSnapshotEmptyStore(t *testing.T) {
	m := NewManager(NewMemStore())

	_, err := m.LoadSnapshot("token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	m := NewManager(NewMemStore())
	require.NoError(t, m.SaveSnapshot("journey-1", "step-1"))
	require.NoError(t, m.SaveSnapshot("journey-1", "step-2"))

	snap, err := m.LoadSnapshot("tok")
	require.NoError(t, err)
	assert.Equal(t, "step-2", snap.StepPointer)
}

func TestClearSnapshot(t *testing.T) {
	m := NewManager(NewMemStore())
	require.NoError(t, m.SaveSnapshot("journey-1", "step-1"))
	require.NoError(t, m.ClearSnapshot())

	_, err := m.LoadSnapshot("tok")
	assert.ErrorIs(t, err, ErrNotFound)
}
