package operations

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURIGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "autorun/1", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := (&URIOp{}).Run(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Test": "yes"},
	}, false)
	require.NoError(t, err)
	assert.False(t, Changed(out))
	assert.Equal(t, 200, out["status"])
	assert.Equal(t, map[string]any{"ok": true}, out["json"])
}

func TestURIPostJSONBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pw", pass)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	out, err := (&URIOp{}).Run(context.Background(), map[string]any{
		"url":         srv.URL,
		"method":      "post",
		"body":        map[string]any{"name": "web01"},
		"status_code": []any{201},
		"user":        "admin",
		"password":    "pw",
	}, false)
	require.NoError(t, err)
	assert.True(t, Changed(out))
	assert.Equal(t, "web01", got["name"])
}

func TestURIUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	_, err := (&URIOp{}).Run(context.Background(), map[string]any{"url": srv.URL}, false)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, http.StatusTeapot, f.Fields["status"])
	assert.Equal(t, "short and stout", f.Output["content"])
}

func TestURICheckModeSkipsUnsafeMethods(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	out, err := (&URIOp{}).Run(context.Background(), map[string]any{"url": srv.URL, "method": "DELETE"}, true)
	require.NoError(t, err)
	assert.True(t, Changed(out))
	assert.False(t, called)
}

func TestStatusAccepted(t *testing.T) {
	assert.True(t, statusAccepted(map[string]any{}, 200))
	assert.False(t, statusAccepted(map[string]any{}, 204))
	assert.True(t, statusAccepted(map[string]any{"status_code": 204}, 204))
	assert.True(t, statusAccepted(map[string]any{"status_code": []any{200, 204}}, 204))
	assert.True(t, statusAccepted(map[string]any{"status_code": []int{301}}, 301))
}
