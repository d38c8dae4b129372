package dedup

import "testing"

func TestSeenOrRememberSuppressesDuplicate(t *testing.T) {
	c := New(16)
	if c.SeenOrRemember("pub-a", "t1", 1, "pub-a:t1:1") {
		t.Fatal("first delivery should not be flagged as seen")
	}
	if !c.SeenOrRemember("pub-a", "t1", 1, "pub-a:t1:1") {
		t.Fatal("replay of the same message should be suppressed")
	}
}

func TestGlobalCapacityBounded(t *testing.T) {
	c := New(4)
	for i := 0; i < 100; i++ {
		c.SeenOrRemember("pub-a", "rotating-topic", int64(i), keyFor(i))
	}
	if c.GlobalLen() > 4 {
		t.Fatalf("expected global set bounded to 4, got %d", c.GlobalLen())
	}
}

func TestOldestEvictedFirst(t *testing.T) {
	c := New(2)
	c.SeenOrRemember("pub-a", "t1", 1, "k1")
	c.SeenOrRemember("pub-a", "t1", 2, "k2")
	c.SeenOrRemember("pub-a", "t1", 3, "k3") // evicts k1

	if c.global.containsOrAdd("k1") {
		t.Fatal("k1 should have been evicted and treated as unseen again")
	}
}

func keyFor(i int) string {
	return "pub-a:rotating-topic:" + string(rune('a'+i%26))
}
