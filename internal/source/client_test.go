package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carerounds/internal/source"
)

func newClient(baseURL string) *source.HTTPClient {
	c := source.NewHTTPClient(baseURL, "secret", 5*time.Second)
	c.MaxElapsed = 2 * time.Second
	return c
}

func TestFetchSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/incidents", r.URL.Path)
		assert.Equal(t, "2026-01-02T10:00:00Z", r.URL.Query().Get("modified_since"))
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"records":[
			{"external_id":"ext-1","resident_id":"res-1","incident_type":"Fall","occurred_at":"2026-01-02T09:00:00Z","modified_at":"2026-01-02T10:05:00Z"}
		]}`))
	}))
	defer srv.Close()

	records, err := newClient(srv.URL).FetchSince(context.Background(), "2026-01-02T10:00:00Z", 200)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ext-1", records[0].ExternalID)
	assert.Equal(t, "Fall", records[0].Type)
}

func TestFetchSinceEmptyCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["modified_since"]
		assert.False(t, present, "empty cursor must not be sent")
		w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	records, err := newClient(srv.URL).FetchSince(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetchSinceRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).FetchSince(context.Background(), "", 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestFetchSinceClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).FetchSince(context.Background(), "", 0)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestFetchSinceMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).FetchSince(context.Background(), "", 0)
	require.Error(t, err)
}
