package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/modules/macro"
	"github.com/selunlabs/selun-engine/internal/modules/sourceintel"
	"github.com/selunlabs/selun-engine/internal/modules/x402"
)

// MaintenanceJob prunes expired per-wallet daily counters and flushes
// the source-intelligence registry to disk. Runs daily at 03:00 UTC.
type MaintenanceJob struct {
	store     *x402.Store
	intel     *sourceintel.Registry
	intelPath string
	log       zerolog.Logger
}

// NewMaintenanceJob wires the maintenance job.
func NewMaintenanceJob(store *x402.Store, intel *sourceintel.Registry, intelPath string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		store:     store,
		intel:     intel,
		intelPath: intelPath,
		log:       log.With().Str("component", "maintenance_job").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "daily_maintenance" }

func (j *MaintenanceJob) Run() error {
	if j.store != nil {
		if err := j.store.PruneAddressDailyUsage(); err != nil {
			j.log.Warn().Err(err).Msg("Daily usage prune could not persist")
		}
	}
	if j.intel != nil && j.intelPath != "" {
		if err := j.intel.Persist(j.intelPath); err != nil {
			j.log.Warn().Err(err).Msg("Source intelligence persist failed")
		}
	}
	return nil
}

// SnapshotWatchJob logs the age of the last-known-good macro snapshot
// so stale recovery data is visible before it is needed. Runs hourly.
type SnapshotWatchJob struct {
	snapshots *macro.SnapshotStore
	log       zerolog.Logger
}

// NewSnapshotWatchJob wires the snapshot watch job.
func NewSnapshotWatchJob(snapshots *macro.SnapshotStore, log zerolog.Logger) *SnapshotWatchJob {
	return &SnapshotWatchJob{
		snapshots: snapshots,
		log:       log.With().Str("component", "snapshot_watch").Logger(),
	}
}

func (j *SnapshotWatchJob) Name() string { return "snapshot_watch" }

func (j *SnapshotWatchJob) Run() error {
	if j.snapshots == nil {
		return nil
	}
	_, age, ok := j.snapshots.Load()
	if !ok {
		j.log.Info().Msg("No recovery snapshot on disk")
		return nil
	}
	j.log.Info().Dur("age", age).Msg("Recovery snapshot age")
	return nil
}
