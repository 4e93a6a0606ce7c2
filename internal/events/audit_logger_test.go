package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []AuditEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []AuditEntry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e AuditEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		out = append(out, e)
	}
	return out
}

func TestAuditLogger_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	id := uint64(3)
	require.NoError(t, l.Record(Event{Type: EventRingClaimed, Operator: "op-1", Ring: &id, Backend: "web", Address: "0xabc"}))
	require.NoError(t, l.Record(Event{Type: EventOperatorGrace, Operator: "op-1"}))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, EventRingClaimed, entries[0].Event)
	assert.Equal(t, uint64(3), *entries[0].Ring)
	assert.Equal(t, "0xabc", entries[0].Address)
	assert.False(t, entries[1].Timestamp.IsZero())

	assert.Error(t, l.Record(Event{Type: EventRingCreated}), "write after close")
	assert.NoError(t, l.Close())
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := NewAuditLogger(path, 200)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Record(Event{Type: EventServiceStatus, Backend: "web", Detail: "Connected"}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	for _, e := range archived {
		assert.True(t, strings.HasPrefix(e.Name(), "audit."), e.Name())
		assert.True(t, strings.HasSuffix(e.Name(), LogFileExtension), e.Name())
	}
	assert.LessOrEqual(t, l.Size(), int64(200))
}

func TestAuditLogger_Checksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)
	l.EnableChecksum(true)

	require.NoError(t, l.Record(Event{Type: EventRingExpired, Backend: "web"}))
	require.NoError(t, l.Record(Event{Type: EventRingCreated, Backend: "web"}))
	require.NoError(t, l.Close())

	total, valid, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, valid)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "ring_expired", "ring_claimed", 1)
	tampered += "not json\n"
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	total, valid, err = VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, valid)

	_, _, err = VerifyAuditLog(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestAuditLogger_Attach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	bus := NewBus(10)
	defer bus.Close()
	l.Attach(bus, func(err error) { t.Errorf("audit write: %v", err) })

	bus.Publish(Event{Type: EventOperatorDisconnected, Operator: "op-9"})

	require.Eventually(t, func() bool { return l.Size() > 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "op-9", entries[0].Operator)
}
