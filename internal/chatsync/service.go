package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chatsync/internal/config"
	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/state"
)

// Operation names. Dedup and dependencies work on these.
const (
	opCheckLocal     = "check-local"
	opCheckRemote    = "check-remote"
	opSyncFromRemote = "sync-from-remote"
	opSyncToRemote   = "sync-to-remote"
	opPollDeletions  = "poll-deletions"
	opDailyBackup    = "daily-backup"
	opCleanup        = "cleanup"
	opHealthCheck    = "health-check"
	opRestore        = "restore"
	opDeletePrefix   = "delete-chat-"
	opBackupPrefix   = "backup-"
)

// Timer periods.
const (
	localCheckInterval    = 5 * time.Second
	deletionPollInterval  = 30 * time.Second
	dailyBackupInterval   = time.Hour
	cleanupInterval       = time.Hour
	healthCheckInterval   = time.Minute
	changeEventBufferSize = 64
)

// HealthChecker is the local store's connection health surface.
// *state.State implements it.
type HealthChecker interface {
	Ping() error
	Reopen() error
}

// ChangeNotifier delivers local store write notifications.
// *state.State implements it.
type ChangeNotifier interface {
	Subscribe(buffer int) (<-chan state.ChangeEvent, func())
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Mode                config.Mode
	Interval            time.Duration
	BackupRetentionDays int

	Local    LocalStore
	Health   HealthChecker
	Events   ChangeNotifier
	Bucket   remote.Bucket
	Cipher   Cipher
	Clock    Clock
	DeviceID string
	Excluded func(key string) bool
	Logger   *slog.Logger

	Scheduler SchedulerConfig
	Uploader  *remote.Uploader

	// NewMonitor builds the deletion monitor around the service's
	// deletion callback. Nil selects a PollingMonitor over Local.
	NewMonitor func(onDeleted func(id string)) DeletionMonitor
}

// Service owns one device's sync engine: the reconciler, the scheduler
// every mutation goes through, the deletion monitor, backups and the
// mode-dependent timers.
type Service struct {
	mu sync.Mutex

	mode          config.Mode
	interval      time.Duration
	retentionDays int

	runCtx       context.Context
	timersCancel context.CancelFunc
	timers       sync.WaitGroup

	pendingSettings bool
	restoring       bool
	lastSync        time.Time

	rec     *Reconciler
	sched   *Scheduler
	backups *Backups
	monitor DeletionMonitor
	health  HealthChecker
	events  ChangeNotifier
	bucket  remote.Bucket
	clock   Clock
	logger  *slog.Logger
}

// NewService wires the engine. Nothing runs until Run.
func NewService(cfg ServiceConfig) *Service {
	rec := NewReconciler(ReconcilerConfig{
		Local:    cfg.Local,
		Bucket:   cfg.Bucket,
		Cipher:   cfg.Cipher,
		Clock:    cfg.Clock,
		DeviceID: cfg.DeviceID,
		Excluded: cfg.Excluded,
		Logger:   cfg.Logger,
		Uploader: cfg.Uploader,
	})

	s := &Service{
		mode:          cfg.Mode,
		interval:      cfg.Interval,
		retentionDays: cfg.BackupRetentionDays,
		rec:           rec,
		sched:         NewScheduler(cfg.Logger, cfg.Scheduler),
		backups:       NewBackups(rec),
		health:        cfg.Health,
		events:        cfg.Events,
		bucket:        cfg.Bucket,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}

	if s.interval < config.MinSyncInterval {
		s.interval = config.MinSyncInterval
	}

	if cfg.NewMonitor != nil {
		s.monitor = cfg.NewMonitor(s.chatDeleted)
	} else {
		s.monitor = NewPollingMonitor(cfg.Local.ChatIDs, s.chatDeleted, cfg.Clock, cfg.Logger)
	}

	rec.OnFreshBucket(func() { s.enqueueToRemote(nil) })
	rec.OnChatRemoved(s.monitor.Forget)
	s.sched.SetOnIdle(s.settle)

	return s
}

// Run starts the scheduler, change subscription and timers, and blocks
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.sched.Run(ctx)
	})

	g.Go(func() error {
		s.watchChanges(ctx)
		return nil
	})

	s.mu.Lock()
	s.runCtx = ctx
	s.startLocked()
	s.mu.Unlock()

	err := g.Wait()

	s.mu.Lock()
	s.stopTimersLocked()
	s.runCtx = nil
	s.mu.Unlock()

	s.timers.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// SetMode switches mode and interval. Queued work, completed history and
// busy flags from the previous mode are discarded before the new mode's
// timers start.
func (s *Service) SetMode(mode config.Mode, interval time.Duration) error {
	if !mode.Valid() {
		return &cserrors.ConfigurationError{Field: "SYNC_MODE", Err: fmt.Errorf("unknown mode %q", mode)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if interval < config.MinSyncInterval {
		interval = config.MinSyncInterval
	}

	if mode == s.mode && interval == s.interval {
		return nil
	}

	s.logger.Info("sync mode changed",
		slog.String("from", string(s.mode)),
		slog.String("to", string(mode)),
		slog.Duration("interval", interval),
	)

	s.stopTimersLocked()
	s.sched.Reset()
	s.monitor.Reset()
	s.pendingSettings = false
	s.restoring = false
	s.mode = mode
	s.interval = interval

	if s.runCtx != nil {
		s.startLocked()
	}

	return nil
}

// Mode returns the current mode.
func (s *Service) Mode() config.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

func (s *Service) startLocked() {
	if s.mode == config.ModeDisabled {
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	s.timersCancel = cancel

	mode, interval := s.mode, s.interval

	s.timers.Add(1)

	go func() {
		defer s.timers.Done()
		s.runTimers(ctx, mode, interval)
	}()

	if mode == config.ModeSync {
		s.enqueueInitialSync()
	}

	s.enqueueDailyBackup()
}

func (s *Service) stopTimersLocked() {
	if s.timersCancel != nil {
		s.timersCancel()
		s.timersCancel = nil
	}
}

// runTimers only enqueues; every piece of work runs on the scheduler.
func (s *Service) runTimers(ctx context.Context, mode config.Mode, interval time.Duration) {
	var (
		remoteTick   <-chan time.Time
		localTick    <-chan time.Time
		deletionTick <-chan time.Time
	)

	if mode == config.ModeSync {
		remoteT := time.NewTicker(interval)
		defer remoteT.Stop()

		localT := time.NewTicker(localCheckInterval)
		defer localT.Stop()

		deletionT := time.NewTicker(deletionPollInterval)
		defer deletionT.Stop()

		remoteTick, localTick, deletionTick = remoteT.C, localT.C, deletionT.C
	}

	backupT := time.NewTicker(dailyBackupInterval)
	defer backupT.Stop()

	cleanupT := time.NewTicker(cleanupInterval)
	defer cleanupT.Stop()

	healthT := time.NewTicker(healthCheckInterval)
	defer healthT.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-remoteTick:
			s.enqueueCheckRemote()
		case <-localTick:
			s.enqueueCheckLocal()
		case <-deletionTick:
			s.enqueuePollDeletions()
		case <-backupT.C:
			s.enqueueDailyBackup()
		case <-cleanupT.C:
			s.enqueueCleanup(mode)
		case <-healthT.C:
			s.enqueueHealthCheck()
		}
	}
}

// watchChanges turns store write notifications into work: chat writes
// trigger a local check, setting writes flag pending settings.
func (s *Service) watchChanges(ctx context.Context) {
	if s.events == nil {
		return
	}

	events, unsubscribe := s.events.Subscribe(changeEventBufferSize)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			if s.Mode() != config.ModeSync {
				continue
			}

			if ev.Kind == state.ChangeSetting {
				s.mu.Lock()
				s.pendingSettings = true
				s.mu.Unlock()
			}

			s.enqueueCheckLocal()
		}
	}
}

// settle runs when the queue drains and clears transient flags.
func (s *Service) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restoring = false
}

func (s *Service) enqueueInitialSync() {
	s.enqueueCheckLocal()
	s.enqueueFromRemote([]string{opCheckLocal})
	s.enqueueToRemote([]string{opSyncFromRemote})
}

func (s *Service) enqueueCheckLocal() {
	s.sched.Enqueue(opCheckLocal, func(ctx context.Context) error {
		_, err := s.rec.CheckLocal(ctx)
		return err
	}, nil, 0)
}

func (s *Service) enqueueCheckRemote() {
	s.sched.Enqueue(opCheckRemote, func(ctx context.Context) error {
		s.mu.Lock()
		pending := s.pendingSettings
		s.mu.Unlock()

		check, err := s.rec.CheckRemote(ctx, pending)
		if err != nil {
			return err
		}

		var deps []string

		if check.RemoteChanges {
			s.enqueueFromRemote(nil)
			deps = []string{opSyncFromRemote}
		}

		if check.LocalChanges {
			s.enqueueToRemote(deps)
		}

		return nil
	}, nil, 0)
}

func (s *Service) enqueueFromRemote(deps []string) {
	s.sched.Enqueue(opSyncFromRemote, func(ctx context.Context) error {
		res, err := s.rec.SyncFromRemote(ctx)
		if err != nil {
			return err
		}

		s.passDone(opSyncFromRemote, res)

		return nil
	}, deps, 0)
}

func (s *Service) enqueueToRemote(deps []string) {
	s.sched.Enqueue(opSyncToRemote, func(ctx context.Context) error {
		res, err := s.rec.SyncToRemote(ctx)
		if err != nil {
			return err
		}

		s.mu.Lock()
		if res.Failed == 0 {
			s.pendingSettings = false
		}
		s.mu.Unlock()

		s.passDone(opSyncToRemote, res)

		return nil
	}, deps, 0)
}

func (s *Service) passDone(op string, res Result) {
	s.mu.Lock()
	s.lastSync = s.clock.now()
	s.mu.Unlock()

	if !res.Changed() && res.Failed == 0 {
		return
	}

	s.logger.Info("sync pass complete",
		slog.String("op", op),
		slog.Int("uploaded", res.Uploaded),
		slog.Int("downloaded", res.Downloaded),
		slog.Int("merged", res.Merged),
		slog.Int("deleted_local", res.DeletedLocal),
		slog.Int("deleted_remote", res.DeletedRemote),
		slog.Int("failed", res.Failed),
	)
}

func (s *Service) enqueuePollDeletions() {
	s.mu.Lock()
	restoring := s.restoring
	s.mu.Unlock()

	if restoring {
		return
	}

	s.sched.Enqueue(opPollDeletions, func(context.Context) error {
		_, err := s.monitor.Poll()
		return err
	}, nil, 0)
}

// chatDeleted is the deletion monitor's callback: record the tombstone
// and push it.
func (s *Service) chatDeleted(id string) {
	marked, err := s.rec.MarkDeleted(id)
	if err != nil {
		s.logger.Warn("recording chat deletion",
			slog.String("chat_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	if !marked {
		return
	}

	s.sched.Enqueue(opDeletePrefix+id, func(ctx context.Context) error {
		_, err := s.rec.DeleteRemote(ctx, id)
		return err
	}, nil, 0)
}

func (s *Service) enqueueDailyBackup() {
	s.sched.Enqueue(opDailyBackup, func(ctx context.Context) error {
		_, err := s.backups.EnsureDaily(ctx)
		return err
	}, nil, 0)
}

func (s *Service) enqueueCleanup(mode config.Mode) {
	s.sched.Enqueue(opCleanup, func(ctx context.Context) error {
		return s.cleanup(ctx, mode)
	}, nil, 0)
}

func (s *Service) cleanup(ctx context.Context, mode config.Mode) error {
	if mode == config.ModeSync {
		if _, err := s.rec.Cleanup(ctx, TombstoneRetention); err != nil {
			return err
		}
	}

	s.mu.Lock()
	retention := s.retentionDays
	s.mu.Unlock()

	if _, err := s.backups.PruneDaily(ctx, retention); err != nil {
		return err
	}

	if _, err := remote.SweepStaleUploads(ctx, s.bucket, remote.StaleUploadAge, s.clock.now(), s.logger); err != nil {
		return fmt.Errorf("sweeping stale uploads: %w", err)
	}

	return nil
}

// enqueueHealthCheck pings the local store and reopens it on failure. A
// failed reopen is retried by the scheduler with backoff.
func (s *Service) enqueueHealthCheck() {
	if s.health == nil {
		return
	}

	s.sched.Enqueue(opHealthCheck, func(context.Context) error {
		err := s.health.Ping()
		if err == nil {
			return nil
		}

		s.logger.Warn("local store health check failed, reopening", slog.String("error", err.Error()))

		if err := s.health.Reopen(); err != nil {
			return fmt.Errorf("reopening local store: %w", err)
		}

		s.logger.Info("local store reopened")

		return nil
	}, nil, 0)
}

// submit enqueues one operation and waits for its final outcome: success,
// or the error of its last attempt once retries run out.
func (s *Service) submit(ctx context.Context, name string, deps []string, action Action) error {
	done := make(chan error, 1)
	maxRetries := s.sched.cfg.MaxRetries

	// A timed out attempt keeps running while its retry starts.
	var attempts atomic.Int32

	wrapped := func(ctx context.Context) error {
		n := attempts.Add(1)

		err := action(ctx)
		if err == nil || int(n) >= maxRetries {
			select {
			case done <- err:
			default:
			}
		}

		return err
	}

	if !s.sched.Enqueue(name, wrapped, deps, 0) {
		return fmt.Errorf("operation %s already in progress", name)
	}

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-s.sched.Idle():
			select {
			case err := <-done:
				return err
			default:
			}

			if err := s.sched.LastError(); err != nil && s.sched.Dropped(name) {
				return err
			}

			return fmt.Errorf("operation %s was cancelled", name)
		}
	}
}

// SyncNow runs a local check and both sync passes and waits for them.
func (s *Service) SyncNow(ctx context.Context) error {
	if s.Mode() != config.ModeSync {
		return cserrors.ErrModeDisabled
	}

	s.enqueueCheckLocal()
	s.enqueueFromRemote([]string{opCheckLocal})
	s.enqueueToRemote([]string{opSyncFromRemote})

	if err := s.sched.Wait(ctx); err != nil {
		return err
	}

	for _, op := range []string{opCheckLocal, opSyncFromRemote, opSyncToRemote} {
		if s.sched.Dropped(op) {
			if err := s.sched.LastError(); err != nil {
				return err
			}

			return fmt.Errorf("operation %s dropped", op)
		}
	}

	return nil
}

// BackupNow creates a named backup.
func (s *Service) BackupNow(ctx context.Context, name string) (Backup, error) {
	if s.Mode() == config.ModeDisabled {
		return Backup{}, cserrors.ErrModeDisabled
	}

	var bk Backup

	err := s.submit(ctx, opBackupPrefix+name, nil, func(ctx context.Context) error {
		var err error
		bk, err = s.backups.Create(ctx, name)

		return err
	})

	return bk, err
}

// ListBackups lists backup archives in the bucket.
func (s *Service) ListBackups(ctx context.Context) ([]Backup, error) {
	if s.Mode() == config.ModeDisabled {
		return nil, cserrors.ErrModeDisabled
	}

	return s.backups.List(ctx)
}

// RestoreBackup restores an archive. Deletion polling is paused while it
// runs and the restored data is pushed afterwards in sync mode.
func (s *Service) RestoreBackup(ctx context.Context, key string) (RestoreResult, error) {
	mode := s.Mode()
	if mode == config.ModeDisabled {
		return RestoreResult{}, cserrors.ErrModeDisabled
	}

	s.mu.Lock()
	s.restoring = true
	s.mu.Unlock()

	var (
		res    RestoreResult
		cfgErr error
	)

	err := s.submit(ctx, opRestore, nil, func(ctx context.Context) error {
		var err error
		res, err = s.backups.Restore(ctx, key)

		// A missing or wrong secret does not fix itself on retry.
		if cserrors.IsConfiguration(err) {
			cfgErr = err
			return nil
		}

		return err
	})

	if err == nil {
		err = cfgErr
	}

	s.monitor.Reset()

	s.mu.Lock()
	s.restoring = false
	s.mu.Unlock()

	if err != nil {
		return res, err
	}

	if mode == config.ModeSync {
		s.enqueueToRemote(nil)
	}

	return res, nil
}
