package executor

import (
	"sync"
	"testing"
	"time"
)

func TestDispatchRunsInOrder(t *testing.T) {
	ex := New("test", nil)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		ex.Dispatch(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	<-done
	ex.Close()

	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order: got %d", i, v)
		}
	}
}

func TestCloseDrainsQueuedTasks(t *testing.T) {
	ex := New("test", nil)

	ran := 0
	for i := 0; i < 10; i++ {
		ex.Dispatch(func() { ran++ })
	}
	ex.Close()

	if ran != 10 {
		t.Fatalf("ran = %d, want 10", ran)
	}
}

func TestDispatchAfterCloseIsNoop(t *testing.T) {
	ex := New("test", nil)
	ex.Close()

	ex.Dispatch(func() {
		t.Error("task ran after close")
	})
	time.Sleep(10 * time.Millisecond)
}

func TestPanicDoesNotKillOwner(t *testing.T) {
	ex := New("test", nil)

	ex.Dispatch(func() { panic("boom") })
	done := make(chan struct{})
	ex.Dispatch(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("owner stopped running tasks after a panic")
	}
	ex.Close()
}

func TestWrapReentersOwner(t *testing.T) {
	ex := New("test", nil)
	defer ex.Close()

	done := make(chan struct{})
	cont := ex.Wrap(func() { close(done) })
	go cont()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wrapped continuation never ran")
	}
}
