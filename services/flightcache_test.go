package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdogra/OncoSafeRx-sub018/models"
)

func TestFlightCacheServesFromCache(t *testing.T) {
	cache := NewFlightCache(time.Minute)
	var calls int32

	fetch := func() ([]*models.Evidence, error) {
		atomic.AddInt32(&calls, 1)
		return []*models.Evidence{{SourceID: "NCT01"}}, nil
	}

	first, err := cache.Fetch("key", fetch)
	require.NoError(t, err)
	second, err := cache.Fetch("key", fetch)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestFlightCacheDeduplicatesConcurrentFetches(t *testing.T) {
	cache := NewFlightCache(time.Minute)
	var calls int32
	release := make(chan struct{})

	fetch := func() ([]*models.Evidence, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []*models.Evidence{{SourceID: "NCT01"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := cache.Fetch("shared", fetch)
			assert.NoError(t, err)
			assert.Len(t, result, 1)
		}()
	}

	// Alle Aufrufer laufen an, bevor der eine Fetch abschließt.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "höchstens ein laufender Fetch pro Key")
}

func TestFlightCacheDoesNotCacheErrors(t *testing.T) {
	cache := NewFlightCache(time.Minute)
	var calls int32

	failing := func() ([]*models.Evidence, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("source down")
	}

	_, err := cache.Fetch("key", failing)
	require.Error(t, err)
	_, err = cache.Fetch("key", failing)
	require.Error(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestFlightCacheExpiresEntries(t *testing.T) {
	cache := NewFlightCache(20 * time.Millisecond)
	var calls int32

	fetch := func() ([]*models.Evidence, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	_, err := cache.Fetch("key", fetch)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = cache.Fetch("key", fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
