package gatelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetriesConcurrencyConflict(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/directives/d-1/advance", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"concurrency_conflict","message":"lost race"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(Directive{ID: "d-1", CurrentPhase: "design"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key"
	d, err := c.Advance(context.Background(), "d-1", "design", "h-1")
	require.NoError(t, err)
	assert.Equal(t, "design", d.CurrentPhase)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOrderViolationIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"out_of_order_transition","message":"cannot move"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.MaxRetryElapsed = time.Second
	_, err := c.Advance(context.Background(), "d-1", "verification", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "out_of_order_transition", apiErr.Code)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
