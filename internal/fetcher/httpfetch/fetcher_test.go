package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusforge/harvester/internal/policy"
)

func TestFetchReturnsBodyAndValidators(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harvester-test", r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "harvester-test"})
	res, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, int64(11), res.Bytes)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", res.LastModified)
}

func TestFetchSendsConditionalHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	f := New(Config{})
	res, err := f.Fetch(context.Background(), srv.URL, &policy.ConditionalHints{ETag: `"v1"`})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotModified, res.HTTPStatus)
	assert.Empty(t, res.Text)
}

func TestFetchDoesNotTreatServerErrorsAsErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{})
	res, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.HTTPStatus)
	assert.Empty(t, res.Text)
}

func TestFetchCapsBodySize(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	f := New(Config{MaxBodyBytes: 100})
	res, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Bytes)
}

func TestFetchReportsTransportFailures(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1", nil)
	require.Error(t, err)
}
