package configstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGetSetDelete(t *testing.T) {
	t.Parallel()
	s := NewMemStore[ServerRecord]()
	defer s.Close()

	_, ok := s.Get("a")
	require.False(t, ok)

	s.Set("a", ServerRecord{ID: "a", URL: "https://a.example"})
	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "https://a.example", rec.URL)

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestMemStoreKeys(t *testing.T) {
	t.Parallel()
	s := NewMemStore[ServerRecord]()
	defer s.Close()

	s.Set("a", ServerRecord{ID: "a"})
	s.Set("b", ServerRecord{ID: "b"})
	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())
}

func TestMemStoreObserveCommitOrder(t *testing.T) {
	t.Parallel()
	s := NewMemStore[ServerRecord]()
	defer s.Close()

	var mu sync.Mutex
	var seen []string
	cancel := s.Observe(func(keys []string) {
		mu.Lock()
		seen = append(seen, keys...)
		mu.Unlock()
	})
	defer cancel()

	s.Set("a", ServerRecord{ID: "a"})
	s.Set("b", ServerRecord{ID: "b"})
	s.Delete("a")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "a"}, seen)
}

func TestMemStoreObserveCancel(t *testing.T) {
	t.Parallel()
	s := NewMemStore[ServerRecord]()
	defer s.Close()

	var mu sync.Mutex
	count := 0
	cancel := s.Observe(func([]string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	s.Set("a", ServerRecord{ID: "a"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.Set("b", ServerRecord{ID: "b"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestMemStoreDeleteMissingKeyNotifiesNothing(t *testing.T) {
	t.Parallel()
	s := NewMemStore[ServerRecord]()
	defer s.Close()

	notified := make(chan struct{}, 1)
	cancel := s.Observe(func([]string) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	defer cancel()

	s.Delete("ghost")
	select {
	case <-notified:
		t.Fatal("delete of a missing key should not notify")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "sess-1/srv-a", SessionKey("sess-1", "srv-a"))
}
