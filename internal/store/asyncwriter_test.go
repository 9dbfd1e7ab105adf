package store

import (
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "writer.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriterExecutesInOrder(t *testing.T) {
	db := openTestDB(t)
	w := NewAsyncWriter(db, 16)
	w.Start()
	defer w.Stop()

	var order []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		w.Enqueue("op", func(*sql.DB) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	w.Flush()

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want FIFO", order)
		}
	}
}

func TestWriterInlineAfterStop(t *testing.T) {
	db := openTestDB(t)
	w := NewAsyncWriter(db, 16)
	w.Start()
	w.Stop()

	var ran atomic.Bool
	w.Enqueue("late", func(*sql.DB) error {
		ran.Store(true)
		return nil
	})
	if !ran.Load() {
		t.Fatal("write after stop was not executed inline")
	}
}

// Stop closes the queue under the same lock Enqueue sends under; hammering
// both concurrently must never panic on a send to a closed channel.
func TestWriterStopDuringConcurrentEnqueue(t *testing.T) {
	db := openTestDB(t)
	w := NewAsyncWriter(db, 2)
	w.Start()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				w.Enqueue("hammer", func(*sql.DB) error { return nil })
			}
		}()
	}
	w.Stop()
	wg.Wait()
}
