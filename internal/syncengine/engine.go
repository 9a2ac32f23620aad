package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"chatmux/internal/constants"
	"chatmux/internal/database"
	"chatmux/internal/events"
	"chatmux/internal/models"
)

// Store is the slice of the local store the engine reconciles through.
// *database.Database satisfies it.
type Store interface {
	GetPendingSyncMessages(ctx context.Context, limit int) ([]models.Message, error)
	CountPendingSync(ctx context.Context) (int, error)
	MarkMessageSynced(ctx context.Context, id string) error
	MarkMessageSyncFailed(ctx context.Context, id, reason string) error
	UpsertMessage(ctx context.Context, msg *models.Message) error
	UpsertChat(ctx context.Context, chat *models.Chat) error
	UpsertUser(ctx context.Context, user *models.User) error
	TombstoneMessage(ctx context.Context, id string) error
	GetSyncCursor(ctx context.Context, platform models.Platform, direction models.SyncDirection) (*models.SyncCursor, error)
	UpdateSyncCursor(ctx context.Context, cursor *models.SyncCursor) error
}

// Cipher seals sensitive content for transport. The vault satisfies it.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
}

// Engine runs the periodic push and pull reconciliation loops against the
// remote backend. Cycles are single-flight: one worker goroutine owns both
// timers, so a slow cycle makes the next tick wait rather than overlap.
type Engine struct {
	cfg        models.SyncConfig
	platforms  []models.Platform
	store      Store
	cipher     Cipher
	classifier *database.Classifier
	bus        *events.Bus
	logger     *logrus.Entry
	httpClient *http.Client
	tracer     trace.Tracer

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastPushAt time.Time
	lastPullAt time.Time
	errors     []string

	trigger chan struct{}
}

func New(cfg models.SyncConfig, platforms []models.Platform, store Store, cipher Cipher, bus *events.Bus, logger *logrus.Logger) *Engine {
	if cfg.PushIntervalSec <= 0 {
		cfg.PushIntervalSec = constants.DefaultPushIntervalSec
	}
	if cfg.PullIntervalSec <= 0 {
		cfg.PullIntervalSec = constants.DefaultPullIntervalSec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultSyncBatchSize
	}
	return &Engine{
		cfg:        cfg,
		platforms:  platforms,
		store:      store,
		cipher:     cipher,
		classifier: database.NewClassifier(),
		bus:        bus,
		logger:     logger.WithField("component", "syncengine"),
		httpClient: &http.Client{Timeout: constants.DefaultSyncHTTPTimeout * time.Second},
		tracer:     otel.Tracer("chatmux/syncengine"),
		trigger:    make(chan struct{}, 1),
	}
}

// Start launches the reconciliation worker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx)
	}()
	return nil
}

// Stop halts the worker and waits for any in-flight cycle to finish.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	return nil
}

// TriggerSync requests an immediate push+pull cycle. If one is already
// queued or running the request coalesces into it.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Status reports reconciliation progress for diagnostics.
func (e *Engine) Status(ctx context.Context) (*models.SyncStatusReport, error) {
	pending, err := e.store.CountPendingSync(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	report := &models.SyncStatusReport{
		LastPushAt: e.lastPushAt,
		LastPullAt: e.lastPullAt,
		Pending:    pending,
	}
	report.Errors = append(report.Errors, e.errors...)
	return report, nil
}

func (e *Engine) run(ctx context.Context) {
	pushTicker := time.NewTicker(time.Duration(e.cfg.PushIntervalSec) * time.Second)
	defer pushTicker.Stop()
	pullTicker := time.NewTicker(time.Duration(e.cfg.PullIntervalSec) * time.Second)
	defer pullTicker.Stop()

	e.logger.WithFields(logrus.Fields{
		"push_interval_sec": e.cfg.PushIntervalSec,
		"pull_interval_sec": e.cfg.PullIntervalSec,
		"batch_size":        e.cfg.BatchSize,
	}).Info("Sync engine started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-pushTicker.C:
			e.pushCycle(ctx)
		case <-pullTicker.C:
			e.pullCycle(ctx)
		case <-e.trigger:
			e.pushCycle(ctx)
			e.pullCycle(ctx)
		}
	}
}

func (e *Engine) recordError(phase string, err error) {
	entry := fmt.Sprintf("%s %s: %v", time.Now().UTC().Format(time.RFC3339), phase, err)
	e.mu.Lock()
	e.errors = append(e.errors, entry)
	if len(e.errors) > constants.DefaultSyncErrorsKept {
		e.errors = e.errors[len(e.errors)-constants.DefaultSyncErrorsKept:]
	}
	e.mu.Unlock()
}
