// Package storetest opens throwaway stores for tests.
package storetest

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/chatsync/internal/storage/local"
	"github.com/snehjoshi/chatsync/internal/store"
)

// New returns a store over a fresh bbolt file in t.TempDir, closed on cleanup.
func New(t testing.TB) *store.Store {
	t.Helper()
	st, _ := Reopenable(t)
	return st
}

// Reopenable is New plus the file path, for tests that close and reopen.
func Reopenable(t testing.TB) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatsync.db")
	return Open(t, path), path
}

// Open opens path and closes it on cleanup. Closing twice is harmless.
func Open(t testing.TB, path string) *store.Store {
	t.Helper()
	eng, err := local.Open(path, local.Config{NoSync: true})
	if err != nil {
		t.Fatalf("storetest: open %s: %v", path, err)
	}
	st := store.New(eng)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Clock is a manually advanced time source, safe for concurrent use.
type Clock struct{ ms atomic.Int64 }

// NewClock starts at ms.
func NewClock(ms int64) *Clock {
	c := &Clock{}
	c.ms.Store(ms)
	return c
}

// Now satisfies the WithClock options.
func (c *Clock) Now() time.Time { return time.UnixMilli(c.ms.Load()) }

// Millis returns the current reading.
func (c *Clock) Millis() int64 { return c.ms.Load() }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }
