package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/remote/s3store"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/state"
)

var Version = "dev"

const (
	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 10 * time.Second

	// rateLimitBurstFactor sizes the token bucket burst relative to the
	// configured requests per second.
	rateLimitBurstFactor = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything a command needs once config is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	svc    *chatsync.Service

	// bucketReady is false when the service started disabled without
	// bucket details; mode changes are refused until a restart.
	bucketReady bool
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewFileLogger(cfg.Environment, cfg.LogFile)

	var st *state.State
	if cfg.StatePath != "" {
		st, err = state.LoadAt(cfg.StatePath)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	deviceID, err := st.DeviceID()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("reading device id: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, state: st}

	// Only a disabled config may lack bucket details; nothing reads the
	// placeholder until a mode change, which applyRuntime refuses.
	var bucket remote.Bucket = remote.NewMemStore()
	if cfg.ValidateBucket() == nil {
		bucket, err = openBucket(ctx, cfg)
		if err != nil {
			st.Close()
			return nil, err
		}

		a.bucketReady = true
	}

	a.svc = chatsync.NewService(chatsync.ServiceConfig{
		Mode:                cfg.Mode,
		Interval:            cfg.SyncInterval(),
		BackupRetentionDays: cfg.BackupRetentionDays,
		Local:               st,
		Health:              st,
		Events:              st,
		Bucket:              bucket,
		Cipher:              chatsync.NewCipher(cfg.EncryptionKey),
		Clock:               time.Now,
		DeviceID:            deviceID,
		Excluded:            cfg.IsExcluded,
		Logger:              logger.With(slog.String("device", cfg.DeviceName)),
		Uploader:            remote.NewUploader(bucket, logger),
	})

	return a, nil
}

func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// openBucket connects to the configured remote. A file:// endpoint
// selects the directory store.
func openBucket(ctx context.Context, cfg *config.Config) (remote.Bucket, error) {
	var (
		bucket remote.Bucket
		err    error
	)

	if cfg.IsFileEndpoint() {
		bucket, err = remote.NewDirStore(cfg.FileEndpointDir())
	} else {
		bucket, err = s3store.New(ctx, s3store.Options{
			Bucket:          cfg.BucketName,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Endpoint:        cfg.Endpoint,
		})
	}

	if err != nil {
		return nil, fmt.Errorf("opening bucket: %w", err)
	}

	if cfg.RemoteRateLimit > 0 {
		burst := max(1, int(cfg.RemoteRateLimit*rateLimitBurstFactor))
		bucket = remote.NewRateLimited(bucket, cfg.RemoteRateLimit, burst)
	}

	return bucket, nil
}

// runtimeMode overlays a runtime file revision onto the environment
// config and returns the resulting mode and interval.
func runtimeMode(base config.Config, rt config.Runtime) (config.Mode, time.Duration) {
	base.ApplyRuntime(rt)
	return base.Mode, base.SyncInterval()
}

// serve runs the service, the runtime file watcher and the MCP server
// until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	a.logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("mode", string(a.cfg.Mode)),
		slog.Duration("interval", a.cfg.SyncInterval()),
		slog.Bool("mcp", a.cfg.EnableMCP),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.svc.Run(gctx)
	})

	if a.cfg.RuntimeFile != "" {
		g.Go(func() error {
			return config.WatchRuntime(gctx, a.cfg.RuntimeFile, a.logger, a.applyRuntime)
		})
	}

	if a.cfg.EnableMCP {
		g.Go(func() error {
			return a.runMCP(gctx)
		})
	}

	return g.Wait()
}

func (a *app) applyRuntime(rt config.Runtime) {
	mode, interval := runtimeMode(*a.cfg, rt)

	if mode != config.ModeDisabled && !a.bucketReady {
		a.logger.Warn("ignoring mode change: bucket not configured",
			slog.String("mode", string(mode)),
		)

		return
	}

	if err := a.svc.SetMode(mode, interval); err != nil {
		a.logger.Warn("applying runtime settings", slog.String("error", err.Error()))
	}
}

// runMCP starts the MCP HTTP control server.
func (a *app) runMCP(ctx context.Context) error {
	entries, err := a.cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	keys := make(map[string]string, len(entries))
	for _, e := range entries {
		keys[e.UserID] = e.Key
	}

	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.svc)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore(keys),
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
	})

	srv := server.New(a.cfg.MCPListenAddr, mux)

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			mcpLogger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	mcpLogger.Info("starting server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// withService runs fn against a started service and stops the service
// when fn returns.
func (a *app) withService(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.svc.Run(gctx)
	})

	err := fn(gctx)

	cancel()

	if runErr := g.Wait(); err == nil {
		err = runErr
	}

	return err
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Sync chats and settings through an object-storage bucket",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newBackupCmd(),
		newBackupsCmd(),
		newRestoreCmd(),
		newGenKeyCmd(),
	)

	return root
}
