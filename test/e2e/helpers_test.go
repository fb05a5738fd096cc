package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/state"
)

const (
	testUser   = "e2e-user"
	testSecret = "e2e-encryption-secret"
)

// device is one installation: a real bbolt state file and a running
// service, sharing a directory-backed bucket with other devices.
type device struct {
	State *state.State
	Svc   *chatsync.Service
}

// newBucket creates a shared directory-backed bucket.
func newBucket(t *testing.T) *remote.DirStore {
	t.Helper()

	bucket, err := remote.NewDirStore(filepath.Join(t.TempDir(), "bucket"))
	require.NoError(t, err)

	return bucket
}

// newDevice opens a fresh state database and starts a service in sync
// mode against bucket. The service stops before the state closes.
func newDevice(t *testing.T, bucket remote.Bucket) *device {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	deviceID, err := st.DeviceID()
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	svc := chatsync.NewService(chatsync.ServiceConfig{
		Mode:                config.ModeSync,
		Interval:            time.Hour,
		BackupRetentionDays: 30,
		Local:               st,
		Health:              st,
		Events:              st,
		Bucket:              bucket,
		Cipher:              chatsync.NewCipher(testSecret),
		Clock:               time.Now,
		DeviceID:            deviceID,
		Logger:              logger,
		Uploader:            remote.NewUploader(bucket, logger),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- svc.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return &device{State: st, Svc: svc}
}

// putChat writes a chat record to the device's local store.
func (d *device) putChat(t *testing.T, id, title string, messages ...string) {
	t.Helper()

	msgs := make([]map[string]any, 0, len(messages))
	for i, content := range messages {
		msgs = append(msgs, map[string]any{
			"id":        fmt.Sprintf("%s-m%d", id, i),
			"role":      "user",
			"content":   content,
			"timestamp": int64(1000 + i),
		})
	}

	data, err := json.Marshal(map[string]any{
		"id":        id,
		"title":     title,
		"updatedAt": time.Now().UnixMilli(),
		"messages":  msgs,
	})
	require.NoError(t, err)
	require.NoError(t, d.State.PutChat(id, data))
}

// harness is a device exposed through the full HTTP stack: API key
// middleware in front of the MCP tool server.
type harness struct {
	*device

	URL    string
	Key    string
	Client *http.Client
}

func newHarness(t *testing.T, bucket remote.Bucket) *harness {
	t.Helper()

	d := newDevice(t, bucket)

	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, d.Svc)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore(map[string]string{testUser: key}),
		MCPHandler: mcpHandler,
		Logger:     slog.New(slog.DiscardHandler),
	}))
	t.Cleanup(ts.Close)

	return &harness{device: d, URL: ts.URL, Key: key, Client: ts.Client()}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) (*mcp.ClientSession, error) {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, err
	}

	t.Cleanup(func() { _ = session.Close() })

	return session, nil
}

// callTool invokes a tool and decodes its JSON text result into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.False(t, result.IsError, tc.Text)
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// bearerTransport injects an Authorization header into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	base := bt.base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(req)
}
