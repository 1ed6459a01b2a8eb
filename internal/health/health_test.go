package health

import (
	"context"
	"sync"
	"testing"
)

func ok(name string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func failing(name, detail string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: false, Detail: detail}
	}
}

func TestCheckAll(t *testing.T) {
	t.Run("no probes is healthy", func(t *testing.T) {
		healthy, statuses := NewRegistry().CheckAll(context.Background())
		if !healthy || len(statuses) != 0 {
			t.Fatalf("got healthy=%v statuses=%v", healthy, statuses)
		}
	})

	t.Run("all passing", func(t *testing.T) {
		r := NewRegistry()
		r.Register("database", ok("database"))
		r.Register("chain", ok("chain"))

		healthy, statuses := r.CheckAll(context.Background())
		if !healthy {
			t.Error("expected aggregate healthy")
		}
		if len(statuses) != 2 {
			t.Fatalf("expected 2 statuses, got %d", len(statuses))
		}
	})

	t.Run("one failure degrades the aggregate", func(t *testing.T) {
		r := NewRegistry()
		r.Register("database", ok("database"))
		r.Register("chain", failing("chain", "connection refused"))

		healthy, statuses := r.CheckAll(context.Background())
		if healthy {
			t.Error("expected aggregate unhealthy")
		}
		if statuses[1].Detail != "connection refused" {
			t.Errorf("detail not carried through: %+v", statuses[1])
		}
	})
}

func TestRegistryConcurrency(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("chain", ok("chain"))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
