package node

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dapnode.dev/aggregator/aggregator"
	"dapnode.dev/aggregator/dap"
	"dapnode.dev/aggregator/internal/telemetry"
	"dapnode.dev/aggregator/store"
)

// App wires together the config, storage layer, and aggregation core for
// a single Leader or Helper process. Grounded on the teacher's top-level
// wiring style in cmd/rubin-node/main.go (flag parsing -> config
// validation -> component construction), adapted from a CLI-driven
// bitcoin node bootstrap to an HTTP-served DAP aggregator bootstrap.
type App struct {
	Config Config
	Log    *slog.Logger

	Store     store.Store
	Batches   *aggregator.BatchStore
	JobLocks  *aggregator.JobLocks
	Jobs      *aggregator.JobStore
	Intake    *aggregator.Intake
	Telemetry *telemetry.Recorder
	overrides store.Prefix[store.GlobalOverrideKey, bool]

	// VdafInitialize, VdafStep, LeaderShare, and HelperShare are the
	// pluggable cryptographic/transport collaborators the aggregation
	// core calls out to but does not implement itself (VDAF preparation
	// and HPKE seal/open are explicitly out of scope; so is the peer
	// transport). NewApp leaves them nil; a deployment wires them once
	// before serving traffic.
	VdafInitialize VdafInitializeFunc
	VdafStep       aggregator.PrepareStepFunc
	LeaderShare    aggregator.LeaderShareFunc
	HelperShare    aggregator.HelperShareFunc

	boltStore *store.BoltStore // non-nil only when the embedded backend is in use
}

// VdafInitializeFunc runs the Helper's (or Leader's own) VDAF preparation
// init step over a batch of report shares, producing the transitions an
// AggregateResp carries back. Out of scope per spec.md §1; the interface
// the aggregation core calls through.
type VdafInitializeFunc func(task store.TaskConfig, aggParam []byte, shares []dap.ReportShare) (dap.AggregateResp, error)

// taskLookup resolves a task_id against the store's TaskConfigPrefix; a
// task whose store entry has expired is reported as not found.
func (a *App) taskLookup(ctx context.Context, taskID dap.TaskId) (store.TaskConfig, error) {
	tc, err := store.TaskConfigPrefix.GetCloned(ctx, a.Store, taskID, store.GetOptions{})
	if err != nil {
		return store.TaskConfig{}, err
	}
	return tc, nil
}

// NewApp constructs an App from a validated Config. The storage backend
// is chosen per spec.md §4.3: an embedded bbolt store when no storage
// proxy URL is configured, an HTTP-backed store otherwise; either way it
// is wrapped in a read-through CachedStore per spec.md §5.
func NewApp(cfg Config, log *slog.Logger) (*App, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("datadir create failed: %w", err)
	}

	var backing store.Store
	var bolt *store.BoltStore
	if cfg.StorageProxyURL == "" {
		b, err := store.OpenBoltStore(filepath.Join(cfg.DataDir, "store.db"))
		if err != nil {
			return nil, fmt.Errorf("bolt store open failed: %w", err)
		}
		backing = b
		bolt = b
	} else {
		backing = store.NewHTTPStore(cfg.StorageProxyURL, cfg.StorageProxyBearerToken)
	}
	cached := store.NewCachedStore(backing, 30*time.Second)

	a := &App{
		Config:    cfg,
		Log:       log,
		Store:     cached,
		Batches:   aggregator.NewBatchStore(),
		JobLocks:  aggregator.NewJobLocks(),
		Jobs:      aggregator.NewJobStore(),
		Telemetry: telemetry.NewRecorder(log),
		overrides: store.NewGlobalConfigOverridePrefix[bool](),
		boltStore: bolt,
	}
	a.Intake = aggregator.NewIntake(log, a.taskLookup, a.replayCheck, a.persistPending, a.replayMode)
	return a, nil
}

// Close releases the embedded store's resources, if any are held.
func (a *App) Close() error {
	if a.boltStore != nil {
		return a.boltStore.Close()
	}
	return nil
}

func (a *App) replayMode(ctx context.Context) aggregator.ReplayProtection {
	return aggregator.FetchReplayProtectionOverride(ctx, a.Log, a.Store, a.overrides)
}

func (a *App) replayCheck(ctx context.Context, taskID dap.TaskId, nonce dap.Nonce) (bool, error) {
	key := replayKey{TaskId: taskID, Nonce: nonce}
	_, conflict, err := replayPrefix.PutIfNotExists(ctx, a.Store, key, struct{}{})
	if err != nil {
		return false, err
	}
	return conflict, nil
}

func (a *App) persistPending(ctx context.Context, r dap.Report) error {
	return pendingReportPrefix.Put(ctx, a.Store, pendingReportKey{TaskId: r.TaskId, Nonce: r.Metadata.Nonce}, r)
}

// replayKey and pendingReportKey are the store keys for this App's own
// bookkeeping prefixes (not part of the core spec's typed-prefix set, but
// following the same NewPrefix idiom from store/prefixes.go).
type replayKey struct {
	TaskId dap.TaskId
	Nonce  dap.Nonce
}

type pendingReportKey struct {
	TaskId dap.TaskId
	Nonce  dap.Nonce
}

func nonceKeyPart(n dap.Nonce) string {
	return base64.RawURLEncoding.EncodeToString(n[:])
}

var replayPrefix = store.NewPrefix[replayKey, struct{}]("replay_cache", func(k replayKey) string {
	return k.TaskId.Base64URL() + "/" + nonceKeyPart(k.Nonce)
})

var pendingReportPrefix = store.NewPrefix[pendingReportKey, dap.Report]("pending_report", func(k pendingReportKey) string {
	return k.TaskId.Base64URL() + "/" + nonceKeyPart(k.Nonce)
})
