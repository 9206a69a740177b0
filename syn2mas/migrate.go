package syn2mas

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultWriteBatchSize is how many transformed rows are handed to the
// writer per batch.
const DefaultWriteBatchSize = 4096

// EntityReader streams source rows, one entity type at a time, from a
// single consistent snapshot. *SynapseReader is the Postgres-backed
// implementation.
type EntityReader interface {
	ApproxCount(ctx context.Context, entity Entity) (uint64, error)
	StreamUsers(ctx context.Context, fn func(SynapseUser) error) error
	StreamThreepids(ctx context.Context, fn func(SynapseThreepid) error) error
	StreamPasswords(ctx context.Context, fn func(SynapsePassword) error) error
	StreamExternalIDs(ctx context.Context, fn func(SynapseExternalID) error) error
	StreamDevices(ctx context.Context, fn func(SynapseDevice) error) error
	StreamAccessTokens(ctx context.Context, fn func(SynapseAccessToken) error) error
	StreamRefreshTokens(ctx context.Context, fn func(SynapseRefreshToken) error) error
}

// EntityWriter loads transformed rows into the target. *MasWriter is the
// Postgres-backed implementation.
type EntityWriter interface {
	StartEntity(entity Entity, counter *MigratingCounter)
	WriteUsers(ctx context.Context, batch []MasUser) error
	WriteUserPasswords(ctx context.Context, batch []MasUserPassword) error
	WriteUserEmails(ctx context.Context, batch []MasUserEmail) error
	WriteUpstreamOauthLinks(ctx context.Context, batch []MasUpstreamOauthLink) error
	WriteCompatSessions(ctx context.Context, batch []MasCompatSession) error
	WriteCompatAccessTokens(ctx context.Context, batch []MasCompatAccessToken) error
	WriteCompatRefreshTokens(ctx context.Context, batch []MasCompatRefreshToken) error
	BarrierForEntity(ctx context.Context) error
	Finalize(ctx context.Context, progress *Progress) error
}

// MigrateOptions configures one migration run.
type MigrateOptions struct {
	// Target carries the homeserver name and the caller-supplied mapping
	// from Synapse upstream-provider identifiers to MAS provider ids.
	Target TargetConfig

	// Clock and Random seed the run-scoped id generator. They default to
	// time.Now and crypto/rand.
	Clock  func() time.Time
	Random io.Reader

	Progress  *Progress
	Logger    *slog.Logger
	BatchSize int
}

// EntitySummary is the final per-entity accounting of one run.
type EntitySummary struct {
	Migrated uint64
	Skipped  uint64
}

// MigrationSummary maps each entity to its final counts. For every entity,
// Migrated+Skipped equals the number of source rows streamed: no row goes
// unaccounted for.
type MigrationSummary map[Entity]EntitySummary

// migrationRun owns the run-scoped state: the id translation table, the id
// generator and the progress tracker. It is created by Migrate and
// discarded when Migrate returns; nothing here is global.
type migrationRun struct {
	reader    EntityReader
	writer    EntityWriter
	table     *idTranslationTable
	ids       *idGenerator
	progress  *Progress
	target    TargetConfig
	startedAt time.Time
	batchSize int
	logger    *slog.Logger
	summary   MigrationSummary

	// Legacy ids of migrated users that were Synapse admins; their compat
	// sessions carry the flag.
	admins map[string]bool
}

// Migrate drives a full migration run: entity by entity in dependency
// order, streaming from the reader, remapping ids through the run's
// translation table, and batching transformed rows to the writer, with a
// barrier between entities. Any reader, writer or id-generation error is
// fatal and aborts the run; rows with unresolvable references are skipped
// and counted, never fatal.
//
// The caller must have acquired the migration lock and verified there are
// no error-severity check findings before calling Migrate.
func Migrate(ctx context.Context, reader EntityReader, writer EntityWriter, opts MigrateOptions) (MigrationSummary, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	random := opts.Random
	if random == nil {
		random = rand.Reader
	}
	progress := opts.Progress
	if progress == nil {
		progress = NewProgress()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultWriteBatchSize
	}

	run := &migrationRun{
		reader:    reader,
		writer:    writer,
		table:     newIDTranslationTable(),
		ids:       newIDGenerator(clock, random),
		progress:  progress,
		target:    opts.Target,
		startedAt: clock().UTC(),
		batchSize: batchSize,
		logger:    logger,
		summary:   make(MigrationSummary, len(EntityOrder)),
		admins:    make(map[string]bool),
	}

	passes := []struct {
		entity Entity
		fn     func(context.Context) error
	}{
		{EntityUsers, run.migrateUsers},
		{EntityUserEmails, run.migrateEmails},
		{EntityUserPasswords, run.migratePasswords},
		{EntityUpstreamOauthLinks, run.migrateUpstreamLinks},
		{EntityCompatSessions, run.migrateDevices},
		{EntityCompatAccessTokens, run.migrateAccessTokens},
		{EntityCompatRefreshTokens, run.migrateRefreshTokens},
	}

	for _, pass := range passes {
		if err := pass.fn(ctx); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", pass.entity, err)
		}
	}

	if err := writer.Finalize(ctx, progress); err != nil {
		return nil, fmt.Errorf("finalize target: %w", err)
	}

	for _, entity := range EntityOrder {
		s := run.summary[entity]
		logger.Info("entity migrated", "entity", entity, "migrated", s.Migrated, "skipped", s.Skipped)
	}
	return run.summary, nil
}

// startEntity sets up the progress stage and writer counter for one pass.
func (r *migrationRun) startEntity(ctx context.Context, entity Entity) (*MigratingCounter, error) {
	approx, err := r.reader.ApproxCount(ctx, entity)
	if err != nil {
		return nil, err
	}
	counter := r.progress.StartMigratingData(entity, approx)
	r.writer.StartEntity(entity, counter)
	return counter, nil
}

// finishEntity waits for all of the entity's batches to commit and records
// the final counts. The barrier also guarantees the translation table is
// complete for this entity before the next one starts resolving against it.
func (r *migrationRun) finishEntity(ctx context.Context, entity Entity, counter *MigratingCounter) error {
	if err := r.writer.BarrierForEntity(ctx); err != nil {
		return err
	}
	r.summary[entity] = EntitySummary{Migrated: counter.Migrated(), Skipped: counter.Skipped()}
	return nil
}

func (r *migrationRun) skip(entity Entity, counter *MigratingCounter, reason string, keyAttr string, key any) {
	counter.AddSkipped(1)
	r.logger.Debug("skipping row", "entity", entity, "reason", reason, keyAttr, key)
}

func (r *migrationRun) migrateUsers(ctx context.Context) error {
	counter, err := r.startEntity(ctx, EntityUsers)
	if err != nil {
		return err
	}

	batch := make([]MasUser, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writer.WriteUsers(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = r.reader.StreamUsers(ctx, func(u SynapseUser) error {
		if u.AppserviceID != nil {
			r.skip(EntityUsers, counter, "appservice-managed user", "user", u.Name)
			return nil
		}
		if u.IsGuest {
			r.skip(EntityUsers, counter, "guest user", "user", u.Name)
			return nil
		}
		local, ok := localpart(u.Name, r.target.Homeserver)
		if !ok {
			r.skip(EntityUsers, counter, "user not local to homeserver", "user", u.Name)
			return nil
		}

		createdAt := secondsTime(u.CreationTS)
		id, err := r.ids.atTime(createdAt)
		if err != nil {
			return err
		}

		var lockedAt *time.Time
		if u.Deactivated {
			lockedAt = &r.startedAt
		}

		r.table.record(EntityUsers, u.Name, id)
		if u.Admin {
			r.admins[u.Name] = true
		}
		batch = append(batch, MasUser{
			UserID:          id,
			Username:        local,
			CreatedAt:       createdAt,
			LockedAt:        lockedAt,
			CanRequestAdmin: u.Admin,
		})
		if len(batch) >= r.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return r.finishEntity(ctx, EntityUsers, counter)
}

func (r *migrationRun) migrateEmails(ctx context.Context) error {
	counter, err := r.startEntity(ctx, EntityUserEmails)
	if err != nil {
		return err
	}

	batch := make([]MasUserEmail, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writer.WriteUserEmails(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = r.reader.StreamThreepids(ctx, func(t SynapseThreepid) error {
		if t.Medium != "email" {
			r.skip(EntityUserEmails, counter, "non-email threepid", "medium", t.Medium)
			return nil
		}
		userID, ok := r.table.resolve(EntityUsers, t.UserID)
		if !ok {
			r.skip(EntityUserEmails, counter, "user not migrated", "user", t.UserID)
			return nil
		}

		createdAt := millisTime(t.AddedAt)
		id, err := r.ids.atTime(createdAt)
		if err != nil {
			return err
		}

		confirmedAt := millisTime(t.ValidatedAt)
		batch = append(batch, MasUserEmail{
			UserEmailID: id,
			UserID:      userID,
			Email:       t.Address,
			CreatedAt:   createdAt,
			ConfirmedAt: &confirmedAt,
		})
		if len(batch) >= r.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return r.finishEntity(ctx, EntityUserEmails, counter)
}

func (r *migrationRun) migratePasswords(ctx context.Context) error {
	counter, err := r.startEntity(ctx, EntityUserPasswords)
	if err != nil {
		return err
	}

	batch := make([]MasUserPassword, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writer.WriteUserPasswords(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = r.reader.StreamPasswords(ctx, func(p SynapsePassword) error {
		userID, ok := r.table.resolve(EntityUsers, p.UserID)
		if !ok {
			r.skip(EntityUserPasswords, counter, "user not migrated", "user", p.UserID)
			return nil
		}

		createdAt := secondsTime(p.CreationTS)
		id, err := r.ids.atTime(createdAt)
		if err != nil {
			return err
		}

		batch = append(batch, MasUserPassword{
			UserPasswordID: id,
			UserID:         userID,
			HashedPassword: p.PasswordHash,
			Version:        1,
			CreatedAt:      createdAt,
		})
		if len(batch) >= r.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return r.finishEntity(ctx, EntityUserPasswords, counter)
}

func (r *migrationRun) migrateUpstreamLinks(ctx context.Context) error {
	counter, err := r.startEntity(ctx, EntityUpstreamOauthLinks)
	if err != nil {
		return err
	}

	batch := make([]MasUpstreamOauthLink, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writer.WriteUpstreamOauthLinks(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = r.reader.StreamExternalIDs(ctx, func(e SynapseExternalID) error {
		userID, ok := r.table.resolve(EntityUsers, e.UserID)
		if !ok {
			r.skip(EntityUpstreamOauthLinks, counter, "user not migrated", "user", e.UserID)
			return nil
		}
		providerID, ok := r.target.ProviderMappings[e.AuthProvider]
		if !ok {
			r.skip(EntityUpstreamOauthLinks, counter, "no provider mapping", "provider", e.AuthProvider)
			return nil
		}

		id, err := r.ids.next()
		if err != nil {
			return err
		}

		batch = append(batch, MasUpstreamOauthLink{
			UpstreamOauthLinkID:     id,
			UpstreamOauthProviderID: providerID,
			UserID:                  userID,
			Subject:                 e.ExternalID,
			CreatedAt:               r.startedAt,
		})
		if len(batch) >= r.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return r.finishEntity(ctx, EntityUpstreamOauthLinks, counter)
}

func (r *migrationRun) migrateDevices(ctx context.Context) error {
	counter, err := r.startEntity(ctx, EntityCompatSessions)
	if err != nil {
		return err
	}

	batch := make([]MasCompatSession, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writer.WriteCompatSessions(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = r.reader.StreamDevices(ctx, func(d SynapseDevice) error {
		if d.Hidden {
			r.skip(EntityCompatSessions, counter, "hidden device", "device", d.DeviceID)
			return nil
		}
		userID, ok := r.table.resolve(EntityUsers, d.UserID)
		if !ok {
			r.skip(EntityCompatSessions, counter, "user not migrated", "user", d.UserID)
			return nil
		}

		createdAt := r.startedAt
		if d.LastSeen != nil {
			createdAt = millisTime(*d.LastSeen)
		}
		id, err := r.ids.atTime(createdAt)
		if err != nil {
			return err
		}

		r.table.record(EntityCompatSessions, deviceKey(d.UserID, d.DeviceID), id)
		batch = append(batch, MasCompatSession{
			CompatSessionID: id,
			UserID:          userID,
			DeviceID:        d.DeviceID,
			HumanName:       d.DisplayName,
			CreatedAt:       createdAt,
			IsSynapseAdmin:  r.admins[d.UserID],
			LastActiveAt:    optMillisTime(d.LastSeen),
			LastActiveIP:    d.IP,
			UserAgent:       d.UserAgent,
		})
		if len(batch) >= r.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return r.finishEntity(ctx, EntityCompatSessions, counter)
}

func (r *migrationRun) migrateAccessTokens(ctx context.Context) error {
	counter, err := r.startEntity(ctx, EntityCompatAccessTokens)
	if err != nil {
		return err
	}

	batch := make([]MasCompatAccessToken, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writer.WriteCompatAccessTokens(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = r.reader.StreamAccessTokens(ctx, func(t SynapseAccessToken) error {
		if t.DeviceID == nil {
			r.skip(EntityCompatAccessTokens, counter, "token has no device", "token_id", t.ID)
			return nil
		}
		if _, ok := r.table.resolve(EntityUsers, t.UserID); !ok {
			r.skip(EntityCompatAccessTokens, counter, "user not migrated", "user", t.UserID)
			return nil
		}
		sessionID, ok := r.table.resolve(EntityCompatSessions, deviceKey(t.UserID, *t.DeviceID))
		if !ok {
			r.skip(EntityCompatAccessTokens, counter, "device not migrated", "device", *t.DeviceID)
			return nil
		}

		createdAt := r.startedAt
		if t.LastValidated != nil {
			createdAt = millisTime(*t.LastValidated)
		}
		id, err := r.ids.atTime(createdAt)
		if err != nil {
			return err
		}

		r.table.record(EntityCompatAccessTokens, tokenKey(t.ID), id)
		if t.RefreshTokenID != nil {
			// The pairing lives on the access-token side in Synapse; index
			// it by refresh token id so the next pass can resolve it.
			r.table.record(EntityCompatAccessTokens, accessTokenByRefreshKey(*t.RefreshTokenID), id)
		}

		batch = append(batch, MasCompatAccessToken{
			CompatAccessTokenID: id,
			CompatSessionID:     sessionID,
			AccessToken:         t.Token,
			CreatedAt:           createdAt,
			ExpiresAt:           optMillisTime(t.ValidUntilMS),
		})
		if len(batch) >= r.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return r.finishEntity(ctx, EntityCompatAccessTokens, counter)
}

func (r *migrationRun) migrateRefreshTokens(ctx context.Context) error {
	counter, err := r.startEntity(ctx, EntityCompatRefreshTokens)
	if err != nil {
		return err
	}

	batch := make([]MasCompatRefreshToken, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writer.WriteCompatRefreshTokens(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = r.reader.StreamRefreshTokens(ctx, func(t SynapseRefreshToken) error {
		if _, ok := r.table.resolve(EntityUsers, t.UserID); !ok {
			r.skip(EntityCompatRefreshTokens, counter, "user not migrated", "user", t.UserID)
			return nil
		}
		sessionID, ok := r.table.resolve(EntityCompatSessions, deviceKey(t.UserID, t.DeviceID))
		if !ok {
			r.skip(EntityCompatRefreshTokens, counter, "device not migrated", "device", t.DeviceID)
			return nil
		}
		accessTokenID, ok := r.table.resolve(EntityCompatAccessTokens, accessTokenByRefreshKey(t.ID))
		if !ok {
			r.skip(EntityCompatRefreshTokens, counter, "no paired access token", "token_id", t.ID)
			return nil
		}

		id, err := r.ids.next()
		if err != nil {
			return err
		}

		batch = append(batch, MasCompatRefreshToken{
			CompatRefreshTokenID: id,
			CompatSessionID:      sessionID,
			CompatAccessTokenID:  accessTokenID,
			RefreshToken:         t.Token,
			CreatedAt:            r.startedAt,
		})
		if len(batch) >= r.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return r.finishEntity(ctx, EntityCompatRefreshTokens, counter)
}

// Total sums the per-entity counts, for the final one-line summary.
func (s MigrationSummary) Total() (migrated, skipped uint64) {
	for _, e := range s {
		migrated += e.Migrated
		skipped += e.Skipped
	}
	return migrated, skipped
}
