package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFOSingleProducer(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != i {
			t.Fatalf("dequeue %d: got %d", i, got)
		}
	}
}

type tagged struct {
	producer int
	seq      int
}

func TestFIFOConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 500
	q := New[tagged]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue(tagged{producer: p, seq: i})
			}
		}(p)
	}
	wg.Wait()

	// relative order per producer must survive interleaving
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	ctx := context.Background()
	for i := 0; i < producers*perProducer; i++ {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if item.seq <= last[item.producer] {
			t.Fatalf("producer %d out of order: %d after %d", item.producer, item.seq, last[item.producer])
		}
		last[item.producer] = item.seq
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			got <- item
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(20 * time.Millisecond):
	}
	_ = q.Enqueue("hello")
	select {
	case item := <-got:
		if item != "hello" {
			t.Fatalf("got %q", item)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestMultipleConsumersDrainEverything(t *testing.T) {
	q := New[int]()
	const total = 1000
	var mu sync.Mutex
	seen := make(map[int]bool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[item] = true
				done := len(seen) == total
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		_ = q.Enqueue(i)
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("consumed %d items, want %d", len(seen), total)
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCloseWakesConsumers(t *testing.T) {
	q := New[int]()
	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake consumer")
	}
	if err := q.Enqueue(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue after close, got %v", err)
	}
}

func TestRemoveKeepsOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10; i++ {
		_ = q.Enqueue(i)
	}
	removed := q.Remove(func(v int) bool { return v%2 == 0 })
	if removed != 5 {
		t.Fatalf("removed %d, want 5", removed)
	}
	snap := q.Snapshot()
	want := []int{1, 3, 5, 7, 9}
	if len(snap) != len(want) {
		t.Fatalf("snapshot %v, want %v", snap, want)
	}
	for i := range want {
		if snap[i] != want[i] {
			t.Fatalf("snapshot %v, want %v", snap, want)
		}
	}
}

func TestCancelledDequeueKeepsItems(t *testing.T) {
	q := New[int]()
	for i := 0; i < 3; i++ {
		_ = q.Enqueue(i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d after cancelled dequeue", q.Len())
	}
}

func TestRequeueGoesToHead(t *testing.T) {
	q := New[int]()
	_ = q.Enqueue(2)
	_ = q.Enqueue(3)
	if err := q.Requeue(1); err != nil {
		t.Fatal(err)
	}
	snap := q.Snapshot()
	if len(snap) != 3 || snap[0] != 1 || snap[1] != 2 || snap[2] != 3 {
		t.Fatalf("snapshot %v", snap)
	}
	q.Close()
	if err := q.Requeue(4); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
