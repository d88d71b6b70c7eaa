package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gdogra/OncoSafeRx-sub018/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := &config.Config{RxNormBaseURL: server.URL}
	return New(cfg, zap.NewNop()), &hits
}

func TestResolveReturnsRXCUI(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rxcui.json", r.URL.Path)
		assert.Equal(t, "warfarin", r.URL.Query().Get("name"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"idGroup":{"rxnormId":["11289"]}}`))
	})

	ref, err := client.Resolve(context.Background(), " Warfarin ")
	require.NoError(t, err)
	assert.Equal(t, "warfarin", ref.Name)
	assert.Equal(t, "11289", ref.RXCUI)
	assert.False(t, ref.NameBasedKey)
}

func TestResolveCachesHitsAndMisses(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("name") == "warfarin" {
			w.Write([]byte(`{"idGroup":{"rxnormId":["11289"]}}`))
			return
		}
		w.Write([]byte(`{"idGroup":{}}`))
	})

	for i := 0; i < 3; i++ {
		_, err := client.Resolve(context.Background(), "warfarin")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := client.Resolve(context.Background(), "obscurinib")
		assert.ErrorIs(t, err, ErrNotFound)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(hits), "ein API-Call pro Name, auch für Misses")
}

func TestRefForFallsBackToNameBasedKey(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"idGroup":{}}`))
	})

	ref := client.RefFor(context.Background(), "Obscurinib")
	assert.Equal(t, "obscurinib", ref.Name)
	assert.Empty(t, ref.RXCUI)
	assert.True(t, ref.NameBasedKey)
}

func TestRefForFallsBackOnAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ref := client.RefFor(context.Background(), "warfarin")
	assert.True(t, ref.NameBasedKey)
	assert.Equal(t, "warfarin", ref.Name)
}

func TestResolveRejectsEmptyName(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := client.Resolve(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}
