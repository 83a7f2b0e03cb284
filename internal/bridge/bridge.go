// Package bridge observes store-side writes made by agent tool
// processes and turns them into engine-visible events. The tool process
// is a separate OS process writing directly to the SQLite database, so
// the bridge watches the database files on disk and nudges the engine
// to re-check state. Losing a nudge is harmless: the engine also polls.
package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/events"
)

// debounce coalesces bursts of file events into one nudge. SQLite touches
// the WAL on every commit, often several times per logical operation.
const debounce = 50 * time.Millisecond

// Bridge watches the database and session data directory for changes
// made outside the engine process.
type Bridge struct {
	dbPath  string
	dataDir string
	emitter *events.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	started bool
}

// New builds a bridge. Start must be called before it observes anything.
func New(dbPath, dataDir string, emitter *events.Emitter, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		dbPath:  dbPath,
		dataDir: dataDir,
		emitter: emitter,
		logger:  logger,
	}
}

// Start begins watching. A watcher that cannot be created is logged and
// swallowed: the engine's polling loop stays correct without the bridge.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bridge already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Warn("file watcher unavailable, relying on polling", zap.Error(err))
		return nil
	}

	// The WAL and -shm files appear next to the database; watching the
	// directory catches their creation too.
	if err := watcher.Add(filepath.Dir(b.dbPath)); err != nil {
		watcher.Close()
		b.logger.Warn("cannot watch database directory, relying on polling", zap.Error(err))
		return nil
	}
	if b.dataDir != "" {
		if err := os.MkdirAll(b.dataDir, 0o755); err == nil {
			if err := watcher.Add(b.dataDir); err != nil {
				b.logger.Debug("cannot watch data directory", zap.Error(err))
			}
		}
	}

	b.watcher = watcher
	b.done = make(chan struct{})
	b.started = true
	go b.watch()

	b.logger.Info("bridge watching",
		zap.String("db", b.dbPath),
		zap.String("data_dir", b.dataDir))
	return nil
}

// watch coalesces raw file events into store_changed nudges.
func (b *Bridge) watch() {
	var pending bool
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !b.relevant(event) {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(debounce)
			}

		case <-timer.C:
			if pending {
				pending = false
				b.emitter.Emit(events.Event{Type: events.TypeStoreChanged})
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Debug("watch error", zap.Error(err))
		}
	}
}

// relevant filters file events down to database writes and session data
// changes.
func (b *Bridge) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	dbBase := filepath.Base(b.dbPath)
	if name == dbBase || strings.HasPrefix(name, dbBase+"-") {
		return true
	}
	if b.dataDir != "" && strings.HasPrefix(event.Name, b.dataDir) {
		return true
	}
	return false
}

// Stop shuts the watcher down. Safe to call without a prior Start.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	close(b.done)
	b.watcher.Close()
	b.started = false
}
