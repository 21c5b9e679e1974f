package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func mustPanicScope(t *testing.T, fn func()) *ScopeError {
	t.Helper()
	var got *ScopeError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected panic")
			}
			err, ok := r.(*ScopeError)
			if !ok {
				t.Fatalf("panic value %T, want *ScopeError", r)
			}
			got = err
		}()
		fn()
	}()
	return got
}

func TestLock_NestedReadInWrite(t *testing.T) {
	l := New("repo")
	ctx := context.Background()

	err := l.Write(ctx, func(ctx context.Context) error {
		l.MustWrite(ctx)
		return l.Read(ctx, func(ctx context.Context) error {
			l.MustRead(ctx)
			if !l.CanWrite(ctx) {
				t.Error("nested read should keep the write scope")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
}

func TestLock_ReentrantWrite(t *testing.T) {
	l := New("repo")
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = l.Write(context.Background(), func(ctx context.Context) error {
			return l.Write(ctx, func(ctx context.Context) error { return nil })
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested write deadlocked")
	}
}

func TestLock_PropagatesError(t *testing.T) {
	l := New("repo")
	want := errors.New("boom")
	if err := l.Read(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("Read() error = %v, want %v", err, want)
	}
}

func TestLock_MustWriteWithoutScope(t *testing.T) {
	l := New("repo")
	err := mustPanicScope(t, func() { l.MustWrite(context.Background()) })
	if err.Want != Exclusive || err.Held != None || err.Lock != "repo" {
		t.Errorf("unexpected scope error: %v", err)
	}
}

func TestLock_MustWriteUnderRead(t *testing.T) {
	l := New("repo")
	_ = l.Read(context.Background(), func(ctx context.Context) error {
		err := mustPanicScope(t, func() { l.MustWrite(ctx) })
		if err.Held != Shared {
			t.Errorf("Held = %v, want read", err.Held)
		}
		return nil
	})
}

func TestLock_UpgradePanics(t *testing.T) {
	l := New("repo")
	_ = l.Read(context.Background(), func(ctx context.Context) error {
		mustPanicScope(t, func() {
			_ = l.Write(ctx, func(context.Context) error { return nil })
		})
		return nil
	})
}

func TestLock_ScopesAreKeyedByLock(t *testing.T) {
	a, b := New("a"), New("b")
	_ = a.Write(context.Background(), func(ctx context.Context) error {
		if b.CanRead(ctx) {
			t.Error("scope on a leaked to b")
		}
		return b.Write(ctx, func(ctx context.Context) error {
			a.MustWrite(ctx)
			b.MustWrite(ctx)
			return nil
		})
	})
}

func TestLock_ConcurrentReaders(t *testing.T) {
	l := New("repo")
	var inside atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Read(context.Background(), func(context.Context) error {
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				inside.Add(-1)
				return nil
			})
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for peak.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if peak.Load() != 4 {
		t.Errorf("expected 4 concurrent readers, peak was %d", peak.Load())
	}
}

func TestLock_WriterExcludesReaders(t *testing.T) {
	l := New("repo")
	var writing atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.Write(context.Background(), func(context.Context) error {
				writing.Store(true)
				time.Sleep(100 * time.Microsecond)
				writing.Store(false)
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = l.Read(context.Background(), func(context.Context) error {
				if writing.Load() {
					t.Error("reader observed an active writer")
				}
				return nil
			})
		}()
	}
	wg.Wait()
}
