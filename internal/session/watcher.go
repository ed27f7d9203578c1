package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/fsnotify/fsnotify"
)

const (
	// sessionDirPerm is the permission mode for the session file directory
	// when ensuring it exists before starting the watcher.
	sessionDirPerm = fs.FileMode(0o700)

	// watcherDebounceInterval is how long the watcher waits after the last
	// event on the session file before re-reading it. Sign-in flows often
	// write the file in several steps (truncate, write, rename).
	watcherDebounceInterval = 300 * time.Millisecond
)

// Listener receives sign-in and sign-out transitions. Each transition is
// delivered exactly once, in order, from a single goroutine. The context
// passed to BeginSession lives as long as that session and is cancelled as
// soon as a newer transition is seen.
type Listener interface {
	BeginSession(ctx context.Context, actor models.Actor) (Generation, error)
	EndSession()
}

// sessionFile is the document the sign-in flow writes.
type sessionFile struct {
	Token string `json:"token"`
}

// Watcher follows the session file written by the sign-in flow and turns
// its changes into BeginSession/EndSession calls. It also serves the
// current token to the REST and feed clients.
type Watcher struct {
	path     string
	listener Listener
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.RWMutex
	token         string
	actor         *models.Actor
	cancelSession context.CancelFunc

	queueMu sync.Mutex
	queue   []transition
	wake    chan struct{}
}

// transition is the listener work implied by one change of the session
// file.
type transition struct {
	end   bool
	begin *models.Actor
	ctx   context.Context
}

// NewWatcher creates a watcher for the session file at path.
func NewWatcher(path string, listener Listener, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		listener: listener,
		logger:   logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Token returns the token of the current session, or "".
func (w *Watcher) Token() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.token
}

// Invalidate forgets the current session after the backend rejected its
// token. The session itself has already been ended by the caller; the
// next token written to the session file starts a fresh session even if
// it belongs to the same actor.
func (w *Watcher) Invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.token = ""
	w.actor = nil
	w.endSessionContextLocked()

	w.logger.Warn("session token rejected, reauthentication required", slog.String("file", w.path))
}

// Watch applies the current session file, then follows its changes until
// the context is cancelled. Transitions run on a separate goroutine so a
// slow BeginSession never holds up the file events behind it.
func (w *Watcher) Watch(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)

	go func() {
		defer wg.Done()
		w.run(ctx)
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	// Watch the directory, not the file: the file may not exist yet and
	// atomic writers replace it by rename.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching session dir: %w", err)
	}

	w.logger.Info("session watcher started", slog.String("file", w.path))

	w.reload(ctx)

	debounce := time.NewTimer(watcherDebounceInterval)
	debounce.Stop()

	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			debounce.Reset(watcherDebounceInterval)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("session watcher error", slog.String("error", err.Error()))

		case <-debounce.C:
			w.reload(ctx)
		}
	}
}

// reload reads the session file and queues the transition it implies.
func (w *Watcher) reload(ctx context.Context) {
	if tr, ok := w.update(ctx); ok {
		w.enqueue(tr)
	}
}

// update reads the session file, swaps in its token and returns the
// transition it implies, if any. A new session gets a context derived
// from ctx; the context of the session it replaces is cancelled.
func (w *Watcher) update(ctx context.Context) (transition, bool) {
	token, info, ok := w.read()

	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.actor

	if !ok {
		w.token = ""
		w.actor = nil

		if prev == nil {
			return transition{}, false
		}

		w.endSessionContextLocked()

		return transition{end: true}, true
	}

	w.token = token
	w.actor = &info.Actor

	if prev != nil && prev.ID == info.Actor.ID {
		w.logger.Debug("session token refreshed", slog.String("actor", info.Actor.ID))
		return transition{}, false
	}

	w.endSessionContextLocked()

	sessionCtx, cancel := context.WithCancel(ctx)
	w.cancelSession = cancel

	actor := info.Actor

	return transition{end: prev != nil, begin: &actor, ctx: sessionCtx}, true
}

func (w *Watcher) endSessionContextLocked() {
	if w.cancelSession != nil {
		w.cancelSession()
		w.cancelSession = nil
	}
}

// enqueue hands tr to the goroutine started by Watch.
func (w *Watcher) enqueue(tr transition) {
	w.queueMu.Lock()
	w.queue = append(w.queue, tr)
	w.queueMu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run applies queued transitions in order until ctx is cancelled.
// Transitions still queued at that point are dropped.
func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for ctx.Err() == nil {
			w.queueMu.Lock()
			if len(w.queue) == 0 {
				w.queueMu.Unlock()
				break
			}

			tr := w.queue[0]
			w.queue = w.queue[1:]
			w.queueMu.Unlock()

			w.apply(tr)
		}
	}
}

// apply delivers tr to the listener.
func (w *Watcher) apply(tr transition) {
	if tr.end {
		w.listener.EndSession()
	}

	if tr.begin == nil {
		return
	}

	if _, err := w.listener.BeginSession(tr.ctx, *tr.begin); err != nil {
		w.logger.Warn("starting session", slog.String("actor", tr.begin.ID), slog.String("error", err.Error()))
	}
}

// read loads and validates the session file. ok is false when no usable
// session is present.
func (w *Watcher) read() (string, TokenInfo, bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("reading session file", slog.String("error", err.Error()))
		}

		return "", TokenInfo{}, false
	}

	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		w.logger.Warn("decoding session file", slog.String("error", err.Error()))
		return "", TokenInfo{}, false
	}

	if sf.Token == "" {
		return "", TokenInfo{}, false
	}

	info, err := ParseToken(sf.Token)
	if err != nil {
		w.logger.Warn("invalid session token", slog.String("error", err.Error()))
		return "", TokenInfo{}, false
	}

	if info.Expired(w.now()) {
		w.logger.Warn("session token expired",
			slog.String("actor", info.Actor.ID),
			slog.Time("expired_at", info.ExpiresAt),
		)

		return "", TokenInfo{}, false
	}

	return sf.Token, info, true
}
