package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/internal/auth"
)

func testMux(t *testing.T) (http.Handler, string) {
	t.Helper()

	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)

	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-User", auth.RequestUserID(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	})

	mux := NewMux(MuxConfig{
		Keys:       auth.NewKeyStore(map[string]string{"alex": key}),
		MCPHandler: mcp,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return mux, key
}

func TestNewMux_Health(t *testing.T) {
	mux, _ := testMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestNewMux_MCPRequiresKey(t *testing.T) {
	mux, key := testMux(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong key", "Bearer cs_0000000000000000000000000000000000000000000000000000000000000000", http.StatusUnauthorized},
		{"valid key", "Bearer " + key, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusAccepted {
				assert.Equal(t, "alex", rec.Header().Get("X-User"))
			}
		})
	}
}

func TestNew_Timeouts(t *testing.T) {
	srv := New(":0", http.NotFoundHandler())

	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, ReadTimeout, srv.ReadTimeout)
	assert.Equal(t, WriteTimeout, srv.WriteTimeout)
	assert.Equal(t, IdleTimeout, srv.IdleTimeout)
}
