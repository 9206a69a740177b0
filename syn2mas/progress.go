package syn2mas

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultProgressInterval is how often the progress logger emits a line.
const DefaultProgressInterval = 30 * time.Second

// StageKind discriminates the variants of ProgressStage.
type StageKind string

const (
	StageSettingUp         StageKind = "setting_up"
	StageMigratingData     StageKind = "migrating_data"
	StageRebuildIndex      StageKind = "rebuild_index"
	StageRebuildConstraint StageKind = "rebuild_constraint"
)

// ProgressStage is an immutable snapshot of what the run is doing. Which
// fields are meaningful depends on Kind: Entity, Counter and ApproxCount
// for StageMigratingData; Name for the rebuild stages. A stage value is
// never mutated after publication; only the Counter inside a
// StageMigratingData stage keeps advancing.
type ProgressStage struct {
	Kind StageKind

	Entity      Entity
	Counter     *MigratingCounter
	ApproxCount uint64

	Name string
}

// MigratingCounter tracks per-entity row counts. Workers increment it
// concurrently without locking; counts only ever increase during a run.
type MigratingCounter struct {
	migrated atomic.Uint64
	skipped  atomic.Uint64
}

// AddMigrated records n successfully written rows.
func (c *MigratingCounter) AddMigrated(n uint64) { c.migrated.Add(n) }

// AddSkipped records n skipped rows.
func (c *MigratingCounter) AddSkipped(n uint64) { c.skipped.Add(n) }

// Migrated returns the migrated row count so far.
func (c *MigratingCounter) Migrated() uint64 { return c.migrated.Load() }

// Skipped returns the skipped row count so far.
func (c *MigratingCounter) Skipped() uint64 { return c.skipped.Load() }

// Progress holds the current stage of a migration run. The stage pointer is
// swapped atomically on transition so readers never observe a torn stage,
// and never contend with the writers' counter increments. There is no
// history; only the current stage is retained.
type Progress struct {
	stage atomic.Pointer[ProgressStage]
}

// NewProgress returns a Progress in the SettingUp stage.
func NewProgress() *Progress {
	p := &Progress{}
	p.SetStage(&ProgressStage{Kind: StageSettingUp})
	return p
}

// Current returns the current stage snapshot. Safe to call concurrently
// with SetStage and with counter increments.
func (p *Progress) Current() *ProgressStage {
	return p.stage.Load()
}

// SetStage replaces the current stage wholesale.
func (p *Progress) SetStage(stage *ProgressStage) {
	p.stage.Store(stage)
}

// StartMigratingData transitions to a MigratingData stage for the given
// entity and returns the counter workers should increment.
func (p *Progress) StartMigratingData(entity Entity, approxCount uint64) *MigratingCounter {
	counter := &MigratingCounter{}
	p.SetStage(&ProgressStage{
		Kind:        StageMigratingData,
		Entity:      entity,
		Counter:     counter,
		ApproxCount: approxCount,
	})
	return counter
}

// RunProgressLogger logs a human-readable progress line on every tick until
// ctx is cancelled. It is a lightweight alternative to a progress bar: most
// runs finish before the first tick ever fires. It only observes Progress
// and has no effect on the run.
func RunProgressLogger(ctx context.Context, progress *Progress, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStage(progress.Current(), logger)
		}
	}
}

func logStage(stage *ProgressStage, logger *slog.Logger) {
	switch stage.Kind {
	case StageSettingUp:
		logger.Info("still setting up")
	case StageMigratingData:
		migrated := stage.Counter.Migrated()
		skipped := stage.Counter.Skipped()
		// The approximate count comes from table statistics, so the
		// percentage may legitimately exceed 100.
		percent := 0.0
		if stage.ApproxCount > 0 {
			percent = float64(migrated+skipped) / float64(stage.ApproxCount) * 100.0
		}
		logger.Info("migrating",
			"entity", stage.Entity,
			"migrated", migrated,
			"skipped", skipped,
			"approx_total", stage.ApproxCount,
			"approx_percent", percent)
	case StageRebuildIndex:
		logger.Info("still waiting for rebuild of index", "index", stage.Name)
	case StageRebuildConstraint:
		logger.Info("still waiting for rebuild of constraint", "constraint", stage.Name)
	}
}
