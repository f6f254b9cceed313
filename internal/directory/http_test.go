package directory

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient("lark", server.URL+"/", "bot-token", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func TestLookupName(t *testing.T) {
	client := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/contacts/ou_123", r.URL.Path)
		assert.Equal(t, "Bearer bot-token", r.Header.Get("Authorization"))
		io.WriteString(w, `{"name": "Li Lei", "nickname": "lilei"}`)
	})

	name, err := client.LookupName(context.Background(), "ou_123")
	require.NoError(t, err)
	assert.Equal(t, "Li Lei(lilei)", name)
	assert.Equal(t, "lark", client.Platform())
}

func TestLookupNameWithoutNickname(t *testing.T) {
	client := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name": "Han Meimei"}`)
	})

	name, err := client.LookupName(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "Han Meimei", name)
}

func TestLookupFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }},
		{"not json", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "<html>") }},
		{"no name", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"nickname": "x"}`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestDirectory(t, tt.handler)
			_, err := client.LookupName(context.Background(), "u")
			assert.Error(t, err)
		})
	}
}

func TestLookupEscapesID(t *testing.T) {
	client := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contacts/a%2Fb", r.URL.EscapedPath())
		io.WriteString(w, `{"name": "n"}`)
	})

	_, err := client.LookupName(context.Background(), "a/b")
	require.NoError(t, err)
}
