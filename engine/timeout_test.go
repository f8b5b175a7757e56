package engine

import (
	"testing"
	"time"
)

func TestTimeoutCacheExtractOrder(t *testing.T) {
	c := NewTimeoutCache()
	base := time.Now()
	c.Update(1, base.Add(3*time.Second))
	c.Update(2, base.Add(1*time.Second))
	c.Update(3, base.Add(2*time.Second))

	now := base.Add(5 * time.Second)
	var order []int64
	for {
		id, ok := c.Extract(now)
		if !ok {
			break
		}
		order = append(order, id)
	}
	want := []int64{2, 3, 1}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestTimeoutCacheExtractNothingBeforeExpiry(t *testing.T) {
	c := NewTimeoutCache()
	now := time.Now()
	c.Update(1, now.Add(time.Hour))
	if _, ok := c.Extract(now); ok {
		t.Fatal("expected no extraction before expiry")
	}
}

func TestTimeoutCacheUpdateSupersedesStaleEntry(t *testing.T) {
	c := NewTimeoutCache()
	now := time.Now()
	c.Update(1, now) // would be immediately extractable
	c.Update(1, now.Add(time.Hour))

	if _, ok := c.Extract(now); ok {
		t.Fatal("expected the superseding Update to win, not the stale earlier expiry")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 live entry, got %d", c.Len())
	}
}

func TestTimeoutCacheClearRemoves(t *testing.T) {
	c := NewTimeoutCache()
	now := time.Now()
	c.Update(1, now)
	c.Clear(1)
	if _, ok := c.Extract(now); ok {
		t.Fatal("expected cleared id to not be extracted")
	}
	if c.Len() != 0 {
		t.Fatalf("expected 0 live entries, got %d", c.Len())
	}
}

func TestTimeoutCacheRenew(t *testing.T) {
	c := NewTimeoutCache()
	c.Renew(7, 50*time.Millisecond)
	if _, ok := c.Extract(time.Now()); ok {
		t.Fatal("expected not yet expired")
	}
	time.Sleep(60 * time.Millisecond)
	id, ok := c.Extract(time.Now())
	if !ok || id != 7 {
		t.Fatalf("expected id 7 to be extracted, got %v %v", id, ok)
	}
}
