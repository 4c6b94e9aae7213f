package cache

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTTL_Expiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewTTL[string](time.Minute, clock.Now)

	c.Set("a", "x")
	if v, ok := c.Get("a"); !ok || v != "x" {
		t.Fatalf("expected hit, got %q %v", v, ok)
	}
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry expired early")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry should be expired at ttl")
	}
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept, got %d", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty store, got %d", c.Len())
	}
}

func TestTTL_ConcurrentKeys(t *testing.T) {
	c := NewTTL[int](time.Minute, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%5))
			c.Set(key, i)
			c.Get(key)
		}(i)
	}
	wg.Wait()
	if c.Len() != 5 {
		t.Fatalf("expected 5 keys, got %d", c.Len())
	}
}

func TestTTL_SetAfterSweepLandsInLiveEntry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewTTL[string](time.Minute, clock.Now)

	c.Set("s1", "old")
	stale := c.slot("s1")
	clock.Advance(2 * time.Minute)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept, got %d", removed)
	}

	c.Set("s1", "new")
	if v, ok := c.Get("s1"); !ok || v != "new" {
		t.Fatalf("expected fresh value, got %q %v", v, ok)
	}
	if stale == c.slot("s1") {
		t.Fatal("swept entry was reused")
	}
}

func TestTTL_SweepRacingSetNeverLosesWrites(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewTTL[int](time.Minute, clock.Now)
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		c.Set(k, -1)
	}
	clock.Advance(2 * time.Minute)

	stop := make(chan struct{})
	var sweeps sync.WaitGroup
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Sweep()
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan string, len(keys))
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Set(k, i)
				if v, ok := c.Get(k); !ok || v != i {
					errs <- k
					return
				}
			}
		}(k)
	}
	wg.Wait()
	close(stop)
	sweeps.Wait()
	close(errs)
	for k := range errs {
		t.Errorf("write to %q was lost to a concurrent sweep", k)
	}
}

func TestTTL_Delete(t *testing.T) {
	c := NewTTL[string](time.Minute, nil)
	c.Set("a", "x")
	c.Delete("a")
	c.Delete("missing")
	if _, ok := c.Get("a"); ok {
		t.Fatal("deleted key still readable")
	}
	c.Set("a", "y")
	if v, ok := c.Get("a"); !ok || v != "y" {
		t.Fatalf("expected y after re-set, got %q %v", v, ok)
	}
}

func TestSweeper_StartStopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewTTL[int](time.Millisecond, nil)
	c.Set("k", 1)
	s, err := NewSweeper("* * * * *", map[string]Sweepable{"detector": c})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	time.Sleep(2 * time.Millisecond)
	if got := s.SweepOnce()["detector"]; got != 1 {
		t.Fatalf("expected 1 swept, got %d", got)
	}
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	if _, err := NewSweeper("not a cron", nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
