package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolConfig bounds a SessionPool.
type PoolConfig struct {
	// MaxSessions caps the number of live sessions, free plus leased.
	MaxSessions int
	// WarmSessions is how many sessions Warm pre-opens.
	WarmSessions int
	// AcquireTimeout bounds how long Acquire waits for a slot before failing
	// with ErrPoolExhausted.
	AcquireTimeout time.Duration
	// IdleTimeout is how long a free session may sit unused before the
	// reaper closes it. Zero disables reaping.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper scans the free list.
	ReapInterval time.Duration
}

const (
	defaultMaxSessions    = 4
	defaultAcquireTimeout = 30 * time.Second
	defaultReapInterval   = time.Minute
)

func (c PoolConfig) normalized() PoolConfig {
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.WarmSessions > c.MaxSessions {
		c.WarmSessions = c.MaxSessions
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	return c
}

// SessionFactory builds an unopened Session; the pool opens it.
type SessionFactory func(ctx context.Context) (Session, error)

// poolEntry is one free session and when it was last handed back.
type poolEntry struct {
	session  Session
	lastUsed time.Time
}

// SessionPool amortizes container startup by reusing previously opened
// sessions. Acquire leases a free session, opening a new one while capacity
// remains, and blocks up to the configured bound otherwise. Sessions whose
// lease saw a timeout or runtime failure are discarded on release so a later
// Acquire never hands out a likely-broken container.
//
// The pool itself implements Executor: those calls acquire, delegate with the
// caller's options forwarded verbatim, and release on every exit path.
type SessionPool struct {
	cfg     PoolConfig
	factory SessionFactory
	logger  *zap.Logger

	// slots is the lease semaphore: one token held per leased session.
	slots chan struct{}

	mu     sync.Mutex
	free   []poolEntry
	leased int
	closed bool

	reapStop chan struct{}
	reapDone chan struct{}
}

var _ Executor = (*SessionPool)(nil)

// NewSessionPool builds a pool over factory. Call Close when done with it.
func NewSessionPool(cfg PoolConfig, factory SessionFactory, logger *zap.Logger) *SessionPool {
	cfg = cfg.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &SessionPool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.With(zap.Int("max_sessions", cfg.MaxSessions)),
		slots:    make(chan struct{}, cfg.MaxSessions),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 {
		go p.reapLoop()
	} else {
		close(p.reapDone)
	}
	return p
}

// Warm pre-opens the configured number of sessions so the first requests do
// not pay container startup. It stops and returns the error on the first
// session that fails to open; sessions warmed before the failure stay in the
// free set.
func (p *SessionPool) Warm(ctx context.Context) error {
	for i := 0; i < p.cfg.WarmSessions; i++ {
		session, err := p.openSession(ctx)
		if err != nil {
			return fmt.Errorf("failed to warm session %d: %w", i+1, err)
		}

		p.mu.Lock()
		if p.closed || p.leased+len(p.free) >= p.cfg.MaxSessions {
			p.mu.Unlock()
			_ = session.Close(ctx)
			return nil
		}
		p.free = append(p.free, poolEntry{session: session, lastUsed: time.Now()})
		p.mu.Unlock()
	}
	return nil
}

// Acquire leases a session: a free one when available, a newly opened one
// while capacity remains, otherwise it blocks until a lease slot frees up or
// the configured bound elapses.
func (p *SessionPool) Acquire(ctx context.Context) (*PooledSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.cfg.AcquireTimeout):
		return nil, fmt.Errorf("no session became free within %s: %w", p.cfg.AcquireTimeout, ErrPoolExhausted)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	var session Session
	if n := len(p.free); n > 0 {
		session = p.free[n-1].session
		p.free = p.free[:n-1]
	}
	p.leased++
	p.mu.Unlock()

	if session == nil {
		opened, err := p.openSession(ctx)
		if err != nil {
			p.mu.Lock()
			p.leased--
			p.mu.Unlock()
			<-p.slots
			return nil, err
		}
		session = opened
	}

	return &PooledSession{pool: p, session: session}, nil
}

// Release hands a leased session back. Healthy sessions return to the free
// set; sessions whose lease saw a fatal error are closed and dropped.
// Releasing an already-released lease is a no-op.
func (p *SessionPool) Release(lease *PooledSession) {
	if lease == nil || lease.pool != p {
		return
	}

	lease.mu.Lock()
	if lease.released {
		lease.mu.Unlock()
		return
	}
	lease.released = true
	discard := lease.broken
	session := lease.session
	lease.mu.Unlock()

	if !discard {
		if b, ok := session.(interface{ Broken() bool }); ok && b.Broken() {
			discard = true
		}
	}

	p.mu.Lock()
	p.leased--
	closed := p.closed
	if !discard && !closed {
		p.free = append(p.free, poolEntry{session: session, lastUsed: time.Now()})
	}
	p.mu.Unlock()
	<-p.slots

	if discard || closed {
		p.closeSession(session)
		if discard {
			p.logger.Info("discarded broken session")
		}
	}
}

// Run acquires a session, delegates, and releases on every exit path.
func (p *SessionPool) Run(ctx context.Context, code string, opts ...ExecOption) (ConsoleOutput, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return ConsoleOutput{}, err
	}
	defer p.Release(lease)
	return lease.Run(ctx, code, opts...)
}

// ExecuteCommand acquires a session, delegates, and releases on every exit
// path.
func (p *SessionPool) ExecuteCommand(ctx context.Context, command string, opts ...ExecOption) (ConsoleOutput, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return ConsoleOutput{}, err
	}
	defer p.Release(lease)
	return lease.ExecuteCommand(ctx, command, opts...)
}

// ExecuteCommands acquires a session, delegates, and releases on every exit
// path.
func (p *SessionPool) ExecuteCommands(ctx context.Context, commands []Command, opts ...ExecOption) (ConsoleOutput, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return ConsoleOutput{}, err
	}
	defer p.Release(lease)
	return lease.ExecuteCommands(ctx, commands, opts...)
}

// CopyToSandbox acquires a session, delegates, and releases on every exit
// path.
func (p *SessionPool) CopyToSandbox(ctx context.Context, data []byte, destPath string) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(lease)
	return lease.CopyToSandbox(ctx, data, destPath)
}

// CopyFromSandbox acquires a session, delegates, and releases on every exit
// path.
func (p *SessionPool) CopyFromSandbox(ctx context.Context, srcPath string) ([]byte, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(lease)
	return lease.CopyFromSandbox(ctx, srcPath)
}

// Stats reports the pool's current accounting.
func (p *SessionPool) Stats() (free, leased, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.leased, p.cfg.MaxSessions
}

// Close stops the reaper and closes every free session. Subsequent Acquires
// fail with ErrPoolClosed; still-leased sessions are closed when released.
func (p *SessionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.free
	p.free = nil
	p.mu.Unlock()

	close(p.reapStop)
	<-p.reapDone

	for _, entry := range entries {
		if err := entry.session.Close(ctx); err != nil {
			p.logger.Warn("failed to close pooled session", zap.Error(err))
		}
	}
	p.logger.Info("session pool closed", zap.Int("sessions_closed", len(entries)))
	return nil
}

func (p *SessionPool) openSession(ctx context.Context) (Session, error) {
	session, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build session: %w", err)
	}
	if err := session.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return session, nil
}

func (p *SessionPool) closeSession(session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		p.logger.Warn("failed to close session", zap.Error(err))
	}
}

// reapLoop closes free sessions idle past IdleTimeout.
func (p *SessionPool) reapLoop() {
	defer close(p.reapDone)

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.reapStop:
			return
		}
	}
}

func (p *SessionPool) reapIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var kept []poolEntry
	var stale []Session
	for _, entry := range p.free {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, entry.session)
		} else {
			kept = append(kept, entry)
		}
	}
	p.free = kept
	p.mu.Unlock()

	for _, session := range stale {
		p.closeSession(session)
	}
	if len(stale) > 0 {
		p.logger.Info("reaped idle sessions", zap.Int("count", len(stale)))
	}
}

// PooledSession is one lease on a pooled session. It refuses use after
// release and marks itself broken on fatal delegated errors so the pool can
// discard the underlying session instead of reusing it.
type PooledSession struct {
	pool    *SessionPool
	session Session

	mu       sync.Mutex
	released bool
	broken   bool
}

var _ Executor = (*PooledSession)(nil)

// Release returns the lease to its pool.
func (l *PooledSession) Release() {
	l.pool.Release(l)
}

func (l *PooledSession) guard() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLeaseReleased
	}
	return nil
}

func (l *PooledSession) noteError(err error) {
	if !isFatalSessionError(err) {
		return
	}
	l.mu.Lock()
	l.broken = true
	l.mu.Unlock()
}

// Run delegates to the leased session.
func (l *PooledSession) Run(ctx context.Context, code string, opts ...ExecOption) (ConsoleOutput, error) {
	if err := l.guard(); err != nil {
		return ConsoleOutput{}, err
	}
	out, err := l.session.Run(ctx, code, opts...)
	l.noteError(err)
	return out, err
}

// ExecuteCommand delegates to the leased session.
func (l *PooledSession) ExecuteCommand(ctx context.Context, command string, opts ...ExecOption) (ConsoleOutput, error) {
	if err := l.guard(); err != nil {
		return ConsoleOutput{}, err
	}
	out, err := l.session.ExecuteCommand(ctx, command, opts...)
	l.noteError(err)
	return out, err
}

// ExecuteCommands delegates to the leased session.
func (l *PooledSession) ExecuteCommands(ctx context.Context, commands []Command, opts ...ExecOption) (ConsoleOutput, error) {
	if err := l.guard(); err != nil {
		return ConsoleOutput{}, err
	}
	out, err := l.session.ExecuteCommands(ctx, commands, opts...)
	l.noteError(err)
	return out, err
}

// CopyToSandbox delegates to the leased session.
func (l *PooledSession) CopyToSandbox(ctx context.Context, data []byte, destPath string) error {
	if err := l.guard(); err != nil {
		return err
	}
	err := l.session.CopyToSandbox(ctx, data, destPath)
	l.noteError(err)
	return err
}

// CopyFromSandbox delegates to the leased session.
func (l *PooledSession) CopyFromSandbox(ctx context.Context, srcPath string) ([]byte, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	data, err := l.session.CopyFromSandbox(ctx, srcPath)
	l.noteError(err)
	return data, err
}
