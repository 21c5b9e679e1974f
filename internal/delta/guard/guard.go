// Package guard provides the per-repo reader/writer discipline that sync
// operations run under.
//
// A Lock hands out scopes through context.Context instead of tracking
// goroutine identity. Read and Write run a callback with a derived context
// that records which scope is held, so nested calls made with that context
// are recognised and run inline:
//
//	err := repo.Lock().Write(ctx, func(ctx context.Context) error {
//	    // ctx holds the write scope; reads made with it do not block
//	    return repo.Pull(ctx, upstream)
//	})
//
// Operations assert their scope with MustRead or MustWrite. Calling them
// without the scope is a programming error and panics with a *ScopeError.
// A context must not outlive the callback it was handed to.
package guard

import (
	"context"
	"fmt"
	"sync"
)

// Mode is the kind of scope a context holds on a Lock.
type Mode int

const (
	// None means the context holds no scope on the lock.
	None Mode = iota
	// Shared allows concurrent readers.
	Shared
	// Exclusive admits a single writer and no readers.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "read"
	case Exclusive:
		return "write"
	default:
		return "none"
	}
}

// ScopeError describes a scope violation. It is used as a panic value.
type ScopeError struct {
	Lock string
	Want Mode
	Held Mode
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("guard %s: %s scope required, context holds %s", e.Lock, e.Want, e.Held)
}

type scopeKey struct{ lock *Lock }

// Lock is a reader/writer lock whose scopes travel in a context.
type Lock struct {
	name string
	mu   sync.RWMutex
}

// New returns a Lock. The name appears in scope violation messages.
func New(name string) *Lock {
	return &Lock{name: name}
}

// Name returns the lock's name.
func (l *Lock) Name() string {
	return l.name
}

// Held returns the scope ctx holds on l.
func (l *Lock) Held(ctx context.Context) Mode {
	if ctx == nil {
		return None
	}
	m, _ := ctx.Value(scopeKey{l}).(Mode)
	return m
}

// Read runs fn with a shared scope. Contexts that already hold a scope on l
// run fn directly.
func (l *Lock) Read(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.Held(ctx) != None {
		return fn(ctx)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(context.WithValue(ctx, scopeKey{l}, Shared))
}

// Write runs fn with the exclusive scope. A context that already holds it
// runs fn directly. Requesting a write while holding only a read panics,
// since the upgrade could never be granted.
func (l *Lock) Write(ctx context.Context, fn func(ctx context.Context) error) error {
	switch l.Held(ctx) {
	case Exclusive:
		return fn(ctx)
	case Shared:
		panic(&ScopeError{Lock: l.name, Want: Exclusive, Held: Shared})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(context.WithValue(ctx, scopeKey{l}, Exclusive))
}

// CanRead reports whether ctx holds any scope on l.
func (l *Lock) CanRead(ctx context.Context) bool {
	return l.Held(ctx) != None
}

// CanWrite reports whether ctx holds the exclusive scope on l.
func (l *Lock) CanWrite(ctx context.Context) bool {
	return l.Held(ctx) == Exclusive
}

// MustRead panics unless ctx holds a scope on l.
func (l *Lock) MustRead(ctx context.Context) {
	if held := l.Held(ctx); held == None {
		panic(&ScopeError{Lock: l.name, Want: Shared, Held: held})
	}
}

// MustWrite panics unless ctx holds the exclusive scope on l.
func (l *Lock) MustWrite(ctx context.Context) {
	if held := l.Held(ctx); held != Exclusive {
		panic(&ScopeError{Lock: l.name, Want: Exclusive, Held: held})
	}
}
