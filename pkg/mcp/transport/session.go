// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/teradata-labs/spool/internal/lru"
	"go.uber.org/zap"
)

const (
	// DefaultSessionCapacity bounds the number of concurrent sessions.
	DefaultSessionCapacity = 128

	// DefaultIdleTimeout is the recommended idle timeout for production use.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultCloseTimeout bounds how long a single engine close may take.
	DefaultCloseTimeout = 5 * time.Second
)

// Session binds a client-visible key to its protocol engine. The key is
// server-generated, issued exactly once, and never derived from client input.
type Session struct {
	Key       string
	Engine    Engine
	CreatedAt time.Time
	Events    *EventBuffer

	lastActivity time.Time // guarded by Registry.mu
	streaming    bool      // guarded by Registry.mu

	dispatchMu sync.Mutex
}

// NewSession creates a session for the given engine.
func NewSession(key string, engine Engine) *Session {
	now := time.Now()
	return &Session{
		Key:          key,
		Engine:       engine,
		CreatedAt:    now,
		Events:       NewEventBuffer(0),
		lastActivity: now,
	}
}

// Dispatch delivers one inbound message to the session's engine. Messages for
// a single session are handled one at a time, in lock-acquisition order.
func (s *Session) Dispatch(ctx context.Context, msg []byte) ([]byte, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.Engine.HandleMessage(ctx, msg)
}

// Registry tracks live sessions in a bounded, recency-ordered cache and
// enforces their lifecycle: capacity eviction, idle expiry, explicit
// termination, and teardown. All cache mutations happen under one mutex, so a
// sweep and a concurrent request never observe a half-updated registry.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Session]

	idleTimeout  time.Duration
	closeTimeout time.Duration
	logger       *zap.Logger

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// RegistryConfig configures a session registry.
type RegistryConfig struct {
	// Capacity is the maximum number of concurrent sessions. Defaults to
	// DefaultSessionCapacity.
	Capacity int

	// IdleTimeout expires sessions with no inbound activity. 0 disables the
	// idle sweep.
	IdleTimeout time.Duration

	// SweepInterval is the period between idle sweeps. Defaults to half the
	// idle timeout, with a floor of one second.
	SweepInterval time.Duration

	// CloseTimeout bounds each engine close performed by the registry.
	// Defaults to DefaultCloseTimeout.
	CloseTimeout time.Duration

	Logger *zap.Logger
}

// NewRegistry creates a session registry and, when an idle timeout is set,
// starts its sweep goroutine. Call CloseAll to stop the sweep and release
// every session.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultSessionCapacity
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Registry{
		idleTimeout:  cfg.IdleTimeout,
		closeTimeout: cfg.CloseTimeout,
		logger:       cfg.Logger,
		stopSweep:    make(chan struct{}),
	}

	// The eviction callback runs synchronously inside Register, before the
	// incoming session is admitted, so the capacity bound never overshoots.
	r.cache = lru.New[string, *Session](cfg.Capacity, func(key string, s *Session) {
		r.logger.Info("session evicted", zap.String("session_id", key))
		r.closeEngine(context.Background(), s)
	})

	if cfg.IdleTimeout > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = cfg.IdleTimeout / 2
		}
		if interval < time.Second {
			interval = time.Second
		}
		go r.sweep(interval)
	}

	return r
}

// Register admits a session under its key. At capacity, the least recently
// used session is closed and dropped first.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	s.lastActivity = time.Now()
	r.cache.Set(s.Key, s)
	r.mu.Unlock()
	r.logger.Info("session created", zap.String("session_id", s.Key))
}

// Touch looks up a session by key, refreshing its activity timestamp and
// recency. Returns false when the key does not resolve to a live session.
func (r *Registry) Touch(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	s.lastActivity = time.Now()
	return s, true
}

// Has reports whether key resolves to a live session without granting it
// recency credit.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Has(key)
}

// AttachStream claims the session's single push stream slot, refreshing
// activity. Returns ErrSessionNotFound or ErrStreamActive on failure.
func (r *Registry) AttachStream(key string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.cache.Get(key)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.streaming {
		return nil, ErrStreamActive
	}
	s.streaming = true
	s.lastActivity = time.Now()
	return s, nil
}

// DetachStream releases the session's push stream slot. Safe to call after
// the session has already been removed.
func (r *Registry) DetachStream(s *Session) {
	r.mu.Lock()
	s.streaming = false
	r.mu.Unlock()
}

// Terminate removes the session and closes its engine. Returns false when the
// key does not resolve, which makes repeated termination harmless.
func (r *Registry) Terminate(key string) bool {
	r.mu.Lock()
	s, ok := r.cache.Get(key)
	if ok {
		r.cache.Delete(key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Info("session terminated", zap.String("session_id", key))
	r.closeEngine(context.Background(), s)
	return true
}

// Remove drops the session without closing its engine. Used when the engine
// has already shut down on its own. Returns false if the key was gone.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	ok := r.cache.Delete(key)
	r.mu.Unlock()
	if ok {
		r.logger.Info("session closed by engine", zap.String("session_id", key))
	}
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// CloseAll stops the idle sweep, closes every engine best-effort, and clears
// the registry. Every engine receives a close call; each is bounded by ctx
// and the registry's close deadline, and failures are logged and absorbed.
func (r *Registry) CloseAll(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopSweep) })

	r.mu.Lock()
	victims := make([]*Session, 0, r.cache.Len())
	for _, s := range r.cache.Entries() {
		victims = append(victims, s)
	}
	r.cache.Clear()
	r.mu.Unlock()

	for _, s := range victims {
		r.closeEngine(ctx, s)
	}
	if len(victims) > 0 {
		r.logger.Info("all sessions closed", zap.Int("count", len(victims)))
	}
}

// sweep periodically expires idle sessions until CloseAll stops it. Ticks run
// sequentially, so two sweeps can never overlap.
func (r *Registry) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case now := <-ticker.C:
			r.expireSessions(now)
		}
	}
}

// expireSessions removes and closes every session idle longer than the
// timeout, judged against now. Returns the number of sessions expired.
func (r *Registry) expireSessions(now time.Time) int {
	r.mu.Lock()
	var victims []*Session
	for _, s := range r.cache.Entries() {
		if now.Sub(s.lastActivity) > r.idleTimeout {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		r.cache.Delete(s.Key)
	}
	r.mu.Unlock()

	for _, s := range victims {
		r.logger.Info("session expired", zap.String("session_id", s.Key))
		r.closeEngine(context.Background(), s)
	}
	return len(victims)
}

// closeEngine closes a session's engine under the registry's close deadline.
// The close runs in its own goroutine and is abandoned once the deadline
// passes, so an engine that ignores its context costs at most CloseTimeout
// and cannot wedge the registry. Failures are logged and absorbed; session
// teardown never propagates engine errors.
func (r *Registry) closeEngine(parent context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(parent, r.closeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Engine.Close(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("session close failed",
				zap.String("session_id", s.Key),
				zap.Error(err),
			)
		}
	case <-ctx.Done():
		r.logger.Warn("session close abandoned",
			zap.String("session_id", s.Key),
			zap.Error(ctx.Err()),
		)
	}
}
