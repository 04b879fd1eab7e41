package buffer

import (
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/szibis/audit-relay/internal/audit"
)

// --- Race condition tests ---
// Concurrent producers against a draining scheduler plus Len readers.

func TestRace_Buffer_ConcurrentIngestDrain(t *testing.T) {
	b := New(500)

	var wg sync.WaitGroup

	// Producers
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Ingest(audit.NewRecord(fmt.Sprintf("r-%d-%d", id, j), nil))
			}
		}(i)
	}

	// Drainers
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Drain(10)
				runtime.Gosched()
			}
		}()
	}

	// Len readers
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 400; j++ {
			b.Len()
			b.MaxSize()
		}
	}()

	wg.Wait()
}

func TestRace_Buffer_OverflowUnderContention(t *testing.T) {
	b := New(10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Ingest(audit.NewRecord(fmt.Sprintf("o-%d-%d", id, j), nil))
			}
		}(i)
	}
	wg.Wait()

	if b.Len() > 10 {
		t.Errorf("buffer exceeded capacity: %d", b.Len())
	}
}
