package testutil

import (
	"log"
	"strings"
	"sync"
	"testing"
)

// testWriter routes log output to t.Log while the test is running. Pumps and
// timers may still log after the test returns; that output is discarded.
type testWriter struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func TestLogger(t *testing.T) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return log.New(w, "[test] ", log.LstdFlags)
}
