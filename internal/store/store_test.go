package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(msgID, sessID string) Record {
	return Record{
		MessageID:     msgID,
		SessionID:     sessID,
		Preview:       "hello…",
		Quote:         "q",
		Signature:     "sig",
		PublicKey:     "pk",
		SigningMethod: "ecdsa",
		Verified:      true,
		Detail:        "true",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestStore_SaveAndList(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "att.db"))
	defer s.Close()

	s.Save(sample("m1", "sess-1"))
	s.Save(sample("m2", "sess-1"))
	s.Save(sample("m3", "other"))

	got := s.List("sess-1")
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "m2", got[1].MessageID)
	assert.True(t, got[0].Verified)
	assert.Equal(t, "ecdsa", got[0].SigningMethod)
}

// An unusable path must degrade to the in-memory fallback, not fail.
func TestStore_MemoryFallback(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing", "nested", "att.db"))
	defer s.Close()

	s.Save(sample("m1", "sess-1"))
	got := s.List("sess-1")
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MessageID)
}

func TestStore_ListEmptySession(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "att.db"))
	defer s.Close()
	assert.Empty(t, s.List("nobody"))
}
