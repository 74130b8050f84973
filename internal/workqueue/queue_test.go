package workqueue

import "testing"

func TestQueueRunsInFIFOOrder(t *testing.T) {
	q := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() { order = append(order, i) })
	}
	if n := q.Drain(); n != 5 {
		t.Fatalf("expected 5 tasks drained, got %d", n)
	}
	for i, v := range order {
		if v != i {
			t.Errorf("expected FIFO order, got %v at index %d", v, i)
		}
	}
}

func TestQueueTasksPushedDuringDrainWaitForNextDrain(t *testing.T) {
	q := New()
	ran := false
	q.Push(func() {
		q.Push(func() { ran = true })
	})
	q.Drain()
	if ran {
		t.Fatal("expected task pushed mid-drain to wait for the next Drain")
	}
	q.Drain()
	if !ran {
		t.Fatal("expected the deferred task to run on the second Drain")
	}
}
