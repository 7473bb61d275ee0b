package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func byteCost(v []byte) int64 { return int64(len(v)) }

func newBytes(budget int64) *Cache[[]byte] {
	return New(Options[[]byte]{Budget: budget, Cost: byteCost})
}

func key(id string, size int64, bucket int) Key {
	return Key{Identity: id, Signature: Signature{ModTime: t0, Size: size}, Bucket: bucket}
}

func TestGetAfterPut(t *testing.T) {
	c := newBytes(1024)
	k := key("/photos/a.jpg", 10, 256)
	if _, ok := c.Get(k); ok {
		t.Fatalf("empty cache hit")
	}
	if !c.Put(k, []byte("thumb")) {
		t.Fatalf("Put returned false")
	}
	for range 3 {
		got, ok := c.Get(k)
		if !ok || string(got) != "thumb" {
			t.Fatalf("Get = %q, %v", got, ok)
		}
	}
	s := c.Stats()
	if s.Hits != 3 || s.Misses != 1 || s.Entries != 1 || s.Bytes != 5 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSignatureChangeIsMissAndInvalidates(t *testing.T) {
	c := newBytes(1024)
	small := key("/a.png", 10, 128)
	large := key("/a.png", 10, 512)
	c.Put(small, []byte("s"))
	c.Put(large, []byte("l"))
	c.Put(key("/b.png", 1, 128), []byte("b"))

	changed := small
	changed.Signature.Size = 11
	if _, ok := c.Get(changed); ok {
		t.Fatalf("stale signature hit")
	}
	if _, ok := c.Get(large); ok {
		t.Fatalf("other bucket of a changed source survived")
	}
	if _, ok := c.Get(key("/b.png", 1, 128)); !ok {
		t.Fatalf("unrelated identity was invalidated")
	}

	touched := small
	touched.Signature.ModTime = t0.Add(time.Second)
	c.Put(touched, []byte("s2"))
	if got, ok := c.Get(touched); !ok || string(got) != "s2" {
		t.Fatalf("recomputed value = %q, %v", got, ok)
	}
	if s := c.Stats(); s.Invalidations != 1 || s.Entries != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEvictsLeastRecentlyAccessedWithinBudget(t *testing.T) {
	c := newBytes(10)
	a, b, d := key("a", 1, 16), key("b", 1, 16), key("d", 1, 16)
	c.Put(a, make([]byte, 4))
	c.Put(b, make([]byte, 4))
	if _, ok := c.Get(a); !ok {
		t.Fatalf("a missing")
	}
	c.Put(d, make([]byte, 4))

	if _, ok := c.Get(b); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok := c.Get(a); !ok {
		t.Fatalf("recently used a was evicted")
	}
	if _, ok := c.Get(d); !ok {
		t.Fatalf("new entry d missing")
	}
	s := c.Stats()
	if s.Evictions != 1 || s.Bytes != 8 || s.Bytes > s.Budget {
		t.Fatalf("stats = %+v", s)
	}
}

func TestOversizedValueIsNotStored(t *testing.T) {
	c := newBytes(8)
	c.Put(key("keep", 1, 16), make([]byte, 4))
	if c.Put(key("huge", 1, 16), make([]byte, 9)) {
		t.Fatalf("oversized value stored")
	}
	if _, ok := c.Get(key("keep", 1, 16)); !ok {
		t.Fatalf("oversized put evicted existing entries")
	}
}

func TestConcurrentPutSameKeyKeepsOneWinner(t *testing.T) {
	c := newBytes(1 << 20)
	k := key("/same", 42, 256)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored []string
	)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := fmt.Sprintf("v%d", i)
			if c.Put(k, []byte(v)) {
				mu.Lock()
				stored = append(stored, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(stored) != 1 {
		t.Fatalf("%d puts reported stored", len(stored))
	}
	got, ok := c.Get(k)
	if !ok || string(got) != stored[0] {
		t.Fatalf("Get = %q, winner %q", got, stored[0])
	}
	if s := c.Stats(); s.Entries != 1 || s.Bytes != int64(len(stored[0])) {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPutNewSignatureReplaces(t *testing.T) {
	c := newBytes(100)
	old := key("/x", 1, 64)
	c.Put(old, []byte("old"))
	next := key("/x", 2, 64)
	if !c.Put(next, []byte("newer")) {
		t.Fatalf("newer signature not stored")
	}
	if got, ok := c.Get(next); !ok || string(got) != "newer" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if s := c.Stats(); s.Bytes != 5 || s.Entries != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestInvalidate(t *testing.T) {
	c := newBytes(100)
	c.Put(key("/x", 1, 16), []byte("a"))
	c.Put(key("/x", 1, 32), []byte("b"))
	if n := c.Invalidate("/x"); n != 2 {
		t.Fatalf("Invalidate removed %d", n)
	}
	if n := c.Invalidate("/x"); n != 0 {
		t.Fatalf("second Invalidate removed %d", n)
	}
	if c.Len() != 0 || c.Stats().Bytes != 0 {
		t.Fatalf("cache not empty: %+v", c.Stats())
	}
}

func TestBucketFor(t *testing.T) {
	cases := []struct{ w, h, want int }{
		{w: 1, h: 1, want: 16},
		{w: 16, h: 10, want: 16},
		{w: 17, h: 3, want: 32},
		{w: 200, h: 256, want: 256},
		{w: 257, h: 100, want: 512},
	}
	for _, tc := range cases {
		if got := BucketFor(tc.w, tc.h); got != tc.want {
			t.Fatalf("BucketFor(%d, %d) = %d, want %d", tc.w, tc.h, got, tc.want)
		}
	}
}
