// ABOUTME: Tests for the retired-ID cache covering TTL expiry and size capping.
// ABOUTME: Uses short TTLs; timing margins are generous to avoid flakes.

package recent

import (
	"fmt"
	"testing"
	"time"
)

func TestRetireAndSeen(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	if c.Seen("a") {
		t.Fatal("unretired id reported as seen")
	}

	c.Retire("a")
	if !c.Seen("a") {
		t.Fatal("retired id not reported as seen")
	}
	if c.Seen("b") {
		t.Fatal("different id reported as seen")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Close()

	c.Retire("a")
	if !c.Seen("a") {
		t.Fatal("id not seen immediately after retire")
	}

	time.Sleep(50 * time.Millisecond)
	if c.Seen("a") {
		t.Fatal("id still seen after TTL")
	}
}

func TestSweepRemovesEntries(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	defer c.Close()

	c.Retire("a")
	c.Retire("b")

	deadline := time.Now().Add(time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := c.Len(); n != 0 {
		t.Fatalf("sweeper left %d entries", n)
	}
}

func TestSizeCapEvictsOldest(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.Retire(fmt.Sprintf("id-%d", i))
	}

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	if c.Seen("id-0") {
		t.Fatal("oldest id should have been evicted")
	}
	if !c.Seen("id-3") {
		t.Fatal("newest id should be present")
	}
}

func TestReRetireRefreshes(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Retire("a")
	c.Retire("b")
	c.Retire("a") // refresh, not a new entry

	c.Retire("c") // evicts b, the oldest
	if c.Seen("b") {
		t.Fatal("refreshed id evicted instead of oldest")
	}
	if !c.Seen("a") {
		t.Fatal("refreshed id missing")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
