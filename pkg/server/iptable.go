package server

import (
	"log/slog"

	"github.com/collabvm/collabvm-server/pkg/executor"
)

// ipTable counts live connections per client IP. It has its own executor
// so the pre-connect check never contends with session or VM work; the
// HTTP handler blocks on the reply since nothing else can proceed until
// admission is decided.
type ipTable struct {
	exec *executor.Executor

	counts map[string]uint32

	// Updated through SetLimit when the settings owner applies a change.
	enabled bool
	max     uint32
}

func newIPTable(logger *slog.Logger) *ipTable {
	return &ipTable{
		exec:   executor.New("ip-table", logger),
		counts: make(map[string]uint32),
	}
}

// SetLimit applies the max-connections settings. Safe from any goroutine.
func (t *ipTable) SetLimit(enabled bool, max uint32) {
	t.exec.Dispatch(func() {
		t.enabled = enabled
		t.max = max
	})
}

// TryAcquire increments the count for ip, or reports false when the cap
// would be exceeded. Safe from any goroutine.
func (t *ipTable) TryAcquire(ip string) bool {
	reply := make(chan bool, 1)
	t.exec.Dispatch(func() {
		if t.enabled && t.counts[ip]+1 > t.max {
			reply <- false
			return
		}
		t.counts[ip]++
		reply <- true
	})
	return <-reply
}

// Release decrements the count for ip, deleting the entry at zero. Safe
// from any goroutine.
func (t *ipTable) Release(ip string) {
	t.exec.Dispatch(func() {
		count := t.counts[ip]
		if count <= 1 {
			delete(t.counts, ip)
			return
		}
		t.counts[ip] = count - 1
	})
}

func (t *ipTable) Close() {
	t.exec.Close()
}
