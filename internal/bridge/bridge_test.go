package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/events"
)

func TestBridgeNudgesOnDatabaseWrite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "conductor.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("x"), 0o644))

	emitter := events.NewEmitter(16, nil)
	b := New(dbPath, "", emitter, nil)
	require.NoError(t, b.Start())
	defer b.Stop()

	// Simulate a tool process committing: the WAL file changes.
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("y"), 0o644))

	select {
	case ev := <-emitter.Events():
		assert.Equal(t, events.TypeStoreChanged, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no nudge after database write")
	}
}

func TestBridgeCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "conductor.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("x"), 0o644))

	emitter := events.NewEmitter(16, nil)
	b := New(dbPath, "", emitter, nil)
	require.NoError(t, b.Start())
	defer b.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(dbPath+"-wal", []byte{byte(i)}, 0o644))
	}

	select {
	case <-emitter.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no nudge after burst")
	}

	// The burst collapses to one nudge (a trailing straggler is
	// tolerated but ten are not).
	time.Sleep(3 * debounce)
	extra := 0
	for {
		select {
		case <-emitter.Events():
			extra++
		default:
			assert.LessOrEqual(t, extra, 2, "burst should coalesce")
			return
		}
	}
}

func TestBridgeIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "conductor.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("x"), 0o644))

	emitter := events.NewEmitter(16, nil)
	b := New(dbPath, "", emitter, nil)
	require.NoError(t, b.Start())
	defer b.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("y"), 0o644))

	select {
	case ev := <-emitter.Events():
		t.Fatalf("unexpected event %v for unrelated file", ev.Type)
	case <-time.After(5 * debounce):
	}
}

func TestBridgeStopIsIdempotent(t *testing.T) {
	emitter := events.NewEmitter(1, nil)
	b := New(filepath.Join(t.TempDir(), "db"), "", emitter, nil)
	b.Stop()
	require.NoError(t, b.Start())
	b.Stop()
	b.Stop()
}
