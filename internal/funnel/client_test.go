package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rcourtman/funnelgate/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEntitlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/entitlement", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cs_live_1", body["session_id"])
		_, _ = w.Write([]byte(`{"paidProducts":["basic","complete"],"isPaid":true}`))
	}))
	defer srv.Close()

	ent, err := NewClient(srv.URL+"/", nil).Entitlement(context.Background(), "cs_live_1")
	require.NoError(t, err)
	assert.True(t, ent.IsPaid)
	assert.True(t, ent.Has(entitlements.CapabilityComplete))
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/entitlement":
			w.Header().Set("Retry-After", "42")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited","retryAfterSeconds":42}`))
		case "/funnel/events":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_event"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)

	_, err := c.Entitlement(context.Background(), "cs_x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.Equal(t, 42*time.Second, apiErr.RetryAfter)

	err = c.RecordEvent(context.Background(), "01J0", "bogus", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid_event", apiErr.Code)
}

func TestClientRecordEvent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"recorded":true}`))
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, nil).RecordEvent(context.Background(), "01J0", EventAnalysisFallback, "timeout"))
	assert.Equal(t, map[string]string{"session_id": "01J0", "event": "analysis_fallback", "detail": "timeout"}, got)
}
