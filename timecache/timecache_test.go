package timecache

import (
	"fmt"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
)

func TestTimeCacheFound(t *testing.T) {
	tc := New[string](clock.NewMock(), time.Minute)

	if !tc.Add("test") {
		t.Fatal("first add should report a new key")
	}
	if !tc.Has("test") {
		t.Fatal("should have this key")
	}
	if tc.Add("test") {
		t.Fatal("second add should report an existing key")
	}
}

func TestTimeCacheExpire(t *testing.T) {
	mock := clock.NewMock()
	tc := New[string](mock, 200*time.Millisecond)

	for i := 0; i < 4; i++ {
		tc.Add(fmt.Sprint(i))
		mock.Add(50 * time.Millisecond)
	}

	mock.Add(210 * time.Millisecond)
	for i := 0; i < 4; i++ {
		if tc.Has(fmt.Sprint(i)) {
			t.Fatalf("should have dropped this key %d", i)
		}
	}
	tc.Sweep(mock.Now())
	if tc.Len() != 0 {
		t.Fatalf("sweep should drop expired keys, %d left", tc.Len())
	}
}

func TestTimeCacheReaddBeforeExpire(t *testing.T) {
	mock := clock.NewMock()
	tc := New[int](mock, 200*time.Millisecond)

	tc.Add(1)
	mock.Add(100 * time.Millisecond)
	tc.Add(1)
	mock.Add(110 * time.Millisecond)

	if tc.Has(1) {
		t.Fatal("re-adding must not extend the lifetime")
	}
	// Once expired the key counts as new again
	if !tc.Add(1) {
		t.Fatal("expired key should be added again")
	}
}

func TestTimeCacheSweepKeepsLive(t *testing.T) {
	mock := clock.NewMock()
	tc := New[string](mock, time.Minute)

	tc.Add("old")
	mock.Add(45 * time.Second)
	tc.Add("new")
	mock.Add(30 * time.Second)
	tc.Sweep(mock.Now())

	if tc.Has("old") || !tc.Has("new") || tc.Len() != 1 {
		t.Fatal("sweep should only drop expired keys")
	}
}
