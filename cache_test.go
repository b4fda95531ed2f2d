package render

import (
	"fmt"
	"testing"
	"time"
)

func TestCache_SetGet(t *testing.T) {
	c := NewCache[string](10, 1024, time.Minute)
	c.Set("a", "alpha", 5)

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("Get(a) should hit")
	}
	if got != "alpha" {
		t.Errorf("Get(a) = %q, want %q", got, "alpha")
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should miss")
	}
}

// totalBytes must always equal the summed size of retrievable entries,
// after any sequence of set/delete.
func TestCache_ByteInvariant(t *testing.T) {
	c := NewCache[int](100, 10_000, time.Minute)

	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, int64(i+1))
	}
	for i := 0; i < 50; i += 3 {
		c.Delete(fmt.Sprintf("k%d", i))
	}
	// Overwrite a few entries with new sizes.
	for i := 1; i < 20; i += 2 {
		c.Set(fmt.Sprintf("k%d", i), i*10, int64(200+i))
	}

	var want int64
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%d", i)
		if _, ok := c.Get(key); !ok {
			continue
		}
		if i%2 == 1 && i < 20 {
			want += int64(200 + i)
		} else {
			want += int64(i + 1)
		}
	}
	if got := c.TotalBytes(); got != want {
		t.Errorf("TotalBytes() = %d, want %d", got, want)
	}
}

func TestCache_EvictsByEntryCount(t *testing.T) {
	c := NewCache[string](3, 0, time.Minute)
	c.Set("a", "1", 1)
	c.Set("b", "2", 1)
	c.Set("c", "3", 1)
	c.Set("d", "4", 1)

	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry a should have been evicted")
	}
	for _, key := range []string{"b", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("entry %s should survive", key)
		}
	}
}

func TestCache_EvictsByByteBudget(t *testing.T) {
	c := NewCache[string](0, 100, time.Minute)
	c.Set("a", "1", 40)
	c.Set("b", "2", 40)
	c.Set("c", "3", 40) // exceeds 100, evicts a

	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted to fit c")
	}
	if got := c.TotalBytes(); got != 80 {
		t.Errorf("TotalBytes() = %d, want 80", got)
	}
}

// A recently read entry must not be the eviction victim.
func TestCache_GetPromotes(t *testing.T) {
	c := NewCache[string](2, 0, time.Minute)
	c.Set("a", "1", 1)
	c.Set("b", "2", 1)

	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get(a) should hit")
	}
	c.Set("c", "3", 1) // must evict b, the least recently used

	if _, ok := c.Get("a"); !ok {
		t.Error("recently read a should survive")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
}

func TestCache_OversizedEntryRejected(t *testing.T) {
	c := NewCache[string](10, 100, time.Minute)
	c.Set("small", "x", 50)
	c.Set("huge", "y", 150)

	if _, ok := c.Get("huge"); ok {
		t.Error("entry larger than the byte budget must never be stored")
	}
	if _, ok := c.Get("small"); !ok {
		t.Error("existing entries must survive a rejected oversized set")
	}
	if got := c.TotalBytes(); got != 50 {
		t.Errorf("TotalBytes() = %d, want 50", got)
	}
}

func TestCache_OverwriteKeepsAccounting(t *testing.T) {
	c := NewCache[string](10, 1000, time.Minute)
	c.Set("a", "old", 100)
	c.Set("a", "new", 300)

	if got := c.TotalBytes(); got != 300 {
		t.Errorf("TotalBytes() = %d, want 300 after overwrite", got)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	got, _ := c.Get("a")
	if got != "new" {
		t.Errorf("Get(a) = %q, want %q", got, "new")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache[string](10, 1000, time.Minute)
	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	c.Set("a", "1", 10)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("fresh entry should hit")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("expired entry must be invisible")
	}
	// Lazy deletion must also fix the byte counter.
	if got := c.TotalBytes(); got != 0 {
		t.Errorf("TotalBytes() = %d, want 0 after lazy expiry", got)
	}
}

func TestCache_Delete(t *testing.T) {
	c := NewCache[string](10, 1000, time.Minute)
	c.Set("a", "1", 10)

	if !c.Delete("a") {
		t.Error("Delete(a) should report removal")
	}
	if c.Delete("a") {
		t.Error("second Delete(a) should report nothing removed")
	}
	if got := c.TotalBytes(); got != 0 {
		t.Errorf("TotalBytes() = %d, want 0", got)
	}
}
