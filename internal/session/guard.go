// Package session tracks which actor is signed in and scopes every
// asynchronous result to the session it was issued under.
package session

import (
	"log/slog"
	"sync"

	"github.com/alexjbarnes/coach-sync/internal/models"
)

// Generation identifies one sign-in or sign-out epoch. It increases on
// every transition and never repeats within a process.
type Generation uint64

// Guard holds the current actor and generation. Synchronizers capture the
// generation when an operation starts and check IsCurrent before they
// commit its result, so a slow response for one actor can never mutate
// state after another actor has signed in.
type Guard struct {
	mu         sync.RWMutex
	generation Generation
	actor      *models.Actor
	hooks      []func()
	logger     *slog.Logger
}

// NewGuard creates a guard with no active session.
func NewGuard(logger *slog.Logger) *Guard {
	return &Guard{logger: logger}
}

// OnReset registers fn to run after every BeginSession and EndSession.
// Synchronizers register their cache reset here.
func (g *Guard) OnReset(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.hooks = append(g.hooks, fn)
}

// BeginSession starts a session for actor, clears all cached state and
// returns the new generation.
func (g *Guard) BeginSession(actor models.Actor) Generation {
	g.mu.Lock()
	g.generation++
	gen := g.generation
	g.actor = &actor
	hooks := append([]func(){}, g.hooks...)
	g.mu.Unlock()

	// Hooks run after the increment so any commit racing with the reset
	// either lands before it (and is cleared) or sees a stale generation.
	for _, fn := range hooks {
		fn()
	}

	g.logger.Info("session started",
		slog.String("actor", actor.ID),
		slog.Uint64("generation", uint64(gen)),
	)

	return gen
}

// EndSession ends the current session regardless of in-flight requests.
// Safe to call when no session is active.
func (g *Guard) EndSession() {
	g.mu.Lock()
	g.generation++
	gen := g.generation
	g.actor = nil
	hooks := append([]func(){}, g.hooks...)
	g.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	g.logger.Info("session ended", slog.Uint64("generation", uint64(gen)))
}

// CurrentGeneration returns the generation of the current epoch.
func (g *Guard) CurrentGeneration() Generation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.generation
}

// IsCurrent reports whether gen is still the current generation.
func (g *Guard) IsCurrent(gen Generation) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.generation == gen
}

// Actor returns the signed-in actor, if any.
func (g *Guard) Actor() (models.Actor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.actor == nil {
		return models.Actor{}, false
	}

	return *g.actor, true
}

// Current returns the signed-in actor together with the generation it
// was observed under, read atomically.
func (g *Guard) Current() (models.Actor, Generation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.actor == nil {
		return models.Actor{}, g.generation, false
	}

	return *g.actor, g.generation, true
}
