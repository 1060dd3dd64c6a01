package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/migration/archive"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/shardserver"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var meter = otel.Meter("github.com/chunkmeta/chunkmeta/pkg/migration")

// StateHook runs after every persisted state change of a migration.
type StateHook func(ctx context.Context, record *model.MigrationRecord)

type Option func(*Coordinator)

func WithArchive(a archive.Archive) Option {
	return func(c *Coordinator) {
		c.archive = a
	}
}

func WithStateHook(hook StateHook) Option {
	return func(c *Coordinator) {
		c.hook = hook
	}
}

func WithClock(clock *types.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// MoveRequest asks for the chunk with exactly Range to move to To.
// ExpectedVersion is the collection version the caller routed with; when set,
// a chunk that changed after it makes the move fail with StaleVersion.
type MoveRequest struct {
	OperationID     string
	Namespace       string
	Range           model.ChunkRange
	To              string
	ExpectedVersion model.CollectionVersion
}

// Coordinator drives chunk migrations through
// NotStarted, Cloning, CatchingUp, CriticalSection and Committed, or to
// Aborted from any state before Committed. Every state is persisted in the
// catalog before the work it names starts.
type Coordinator struct {
	catalog      metastore.Catalog
	shards       shardserver.Directory
	archive      archive.Archive
	config       Config
	clock        *types.Clock
	hook         StateHook
	reservations *reservations

	outcomes metric.Int64Counter
	active   metric.Int64UpDownCounter
}

func NewCoordinator(catalog metastore.Catalog, shards shardserver.Directory, config Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		catalog:      catalog,
		shards:       shards,
		config:       config,
		clock:        types.NewClock(),
		reservations: newReservations(),
	}
	for _, opt := range opts {
		opt(c)
	}
	var err error
	c.outcomes, err = meter.Int64Counter("chunk_migrations",
		metric.WithDescription("Finished chunk migrations by outcome"),
		metric.WithUnit("{migrations}"))
	if err != nil {
		log.Error("failed to create metric", zap.Error(err))
	}
	c.active, err = meter.Int64UpDownCounter("chunk_migrations_active",
		metric.WithDescription("Chunk migrations in progress"),
		metric.WithUnit("{migrations}"))
	if err != nil {
		log.Error("failed to create metric", zap.Error(err))
	}
	return c
}

// IsRangeActive reports whether a running migration covers part of rng.
func (c *Coordinator) IsRangeActive(namespace string, rng model.ChunkRange) bool {
	return c.reservations.rangeActive(namespace, rng)
}

func (c *Coordinator) ActiveMigrations() int {
	return c.reservations.count()
}

// GetMigration reads a migration from the catalog and falls back to the
// archive once it has been archived.
func (c *Coordinator) GetMigration(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error) {
	record, err := c.catalog.GetMigration(ctx, id)
	if errors.Is(err, common.ErrMigrationNotFound) && c.archive != nil {
		return c.archive.Get(ctx, id)
	}
	return record, err
}

// MoveChunk migrates a chunk and returns the collection version after the
// commit. An aborted migration returns an error wrapping ErrMigrationAborted
// and its cause.
func (c *Coordinator) MoveChunk(ctx context.Context, req MoveRequest) (model.CollectionVersion, error) {
	if err := req.Range.Validate(); err != nil {
		return model.CollectionVersion{}, err
	}
	coll, err := c.catalog.GetCollection(ctx, req.Namespace)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	if req.ExpectedVersion.IsSet() && !req.ExpectedVersion.SameEpoch(coll.Version) {
		return model.CollectionVersion{}, fmt.Errorf("%w: %w: expected %s, current %s",
			common.ErrStaleVersion, common.ErrStaleEpoch, req.ExpectedVersion, coll.Version)
	}
	if req.OperationID != "" {
		done, err := c.previousAttempt(ctx, req)
		if err != nil {
			return model.CollectionVersion{}, err
		}
		if done {
			current, err := c.catalog.GetCollection(ctx, req.Namespace)
			if err != nil {
				return model.CollectionVersion{}, err
			}
			return current.Version, nil
		}
	}

	chunks, err := metastore.CollectChunks(c.catalog.ListChunks(ctx, req.Namespace))
	if err != nil {
		return model.CollectionVersion{}, err
	}
	chunk, ok := model.FindChunkByRange(chunks, req.Range)
	if !ok {
		return model.CollectionVersion{}, fmt.Errorf("%w: no chunk of %s has bounds %s", common.ErrStaleVersion, req.Namespace, req.Range)
	}
	if req.ExpectedVersion.IsSet() && chunk.Version.Compare(req.ExpectedVersion) > 0 {
		return model.CollectionVersion{}, fmt.Errorf("%w: chunk %s is at %s, caller routed with %s",
			common.ErrStaleVersion, chunk.Range, chunk.Version, req.ExpectedVersion)
	}
	if chunk.Shard == req.To {
		return model.CollectionVersion{}, fmt.Errorf("%w: %s already owns %s", common.ErrMoveToSameShard, req.To, chunk.Range)
	}
	recipient, err := c.catalog.GetShard(ctx, req.To)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	if !recipient.Ready() {
		return model.CollectionVersion{}, fmt.Errorf("%w: %s is %s", common.ErrShardUnreachable, recipient.ID, recipient.State)
	}

	now := c.clock.Now()
	record := &model.MigrationRecord{
		ID:             types.NewUniqueID(),
		OperationID:    req.OperationID,
		Namespace:      req.Namespace,
		CollectionUUID: coll.UUID,
		Range:          chunk.Range.Clone(),
		Donor:          chunk.Shard,
		Recipient:      req.To,
		State:          model.MigrationNotStarted,
		StartVersion:   chunk.Version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.reservations.reserve(record); err != nil {
		return model.CollectionVersion{}, err
	}
	defer c.reservations.release(record.ID)

	if err := c.catalog.RecordMigration(ctx, record); err != nil {
		return model.CollectionVersion{}, err
	}
	log.Info("migration started",
		zap.String("migration", record.ID.String()),
		zap.String("namespace", record.Namespace),
		zap.Object("range", record.Range),
		zap.String("donor", record.Donor),
		zap.String("recipient", record.Recipient))
	c.notifyHook(ctx, record)
	return c.drive(ctx, record)
}

// previousAttempt looks for a migration started with the same operation id.
// A committed one means the move already happened.
func (c *Coordinator) previousAttempt(ctx context.Context, req MoveRequest) (bool, error) {
	records, err := c.catalog.ListMigrations(ctx, true)
	if err != nil {
		return false, err
	}
	if c.archive != nil {
		archived, err := c.archive.List(ctx, req.Namespace)
		if err != nil {
			log.Warn("could not read archived migrations", zap.String("namespace", req.Namespace), zap.Error(err))
		}
		records = append(records, archived...)
	}
	for _, r := range records {
		if r.OperationID != req.OperationID || r.Namespace != req.Namespace {
			continue
		}
		switch {
		case r.State == model.MigrationCommitted:
			return true, nil
		case !r.State.IsTerminal():
			return false, fmt.Errorf("%w: operation %s is migration %s in state %s",
				common.ErrConflictingOperationInProgress, req.OperationID, r.ID, r.State)
		}
	}
	return false, nil
}

func (c *Coordinator) notifyHook(ctx context.Context, record *model.MigrationRecord) {
	if c.hook != nil {
		c.hook(ctx, record.Clone())
	}
}

func (c *Coordinator) transition(ctx context.Context, record *model.MigrationRecord, to model.MigrationState) error {
	now := c.clock.Now()
	if err := c.catalog.UpdateMigrationState(ctx, record.ID, record.State, to, "", now); err != nil {
		return err
	}
	log.Info("migration state changed",
		zap.String("migration", record.ID.String()),
		zap.String("from", string(record.State)),
		zap.String("to", string(to)))
	record.State = to
	record.UpdatedAt = now
	c.notifyHook(ctx, record)
	return nil
}

// deadlineError turns context expiry into the retryable time limit error.
func deadlineError(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, common.ErrExceededTimeLimit) {
		return fmt.Errorf("%w: %w", common.ErrExceededTimeLimit, err)
	}
	return err
}

// drive runs a migration from its current state to Committed, aborting it on
// the first failure.
func (c *Coordinator) drive(ctx context.Context, record *model.MigrationRecord) (model.CollectionVersion, error) {
	c.addActive(ctx, 1)
	defer c.addActive(ctx, -1)

	donor, err := c.shards.Shard(ctx, record.Donor)
	if err != nil {
		return c.abort(ctx, record, err)
	}
	recipient, err := c.shards.Shard(ctx, record.Recipient)
	if err != nil {
		return c.abort(ctx, record, err)
	}

	for {
		var err error
		switch record.State {
		case model.MigrationNotStarted:
			err = c.transition(ctx, record, model.MigrationCloning)
		case model.MigrationCloning:
			err = recipient.StartClone(ctx, shardserver.CloneRequest{
				MigrationID: record.ID,
				Namespace:   record.Namespace,
				Range:       record.Range,
				Donor:       record.Donor,
			})
			if err == nil {
				err = c.transition(ctx, record, model.MigrationCatchingUp)
			}
		case model.MigrationCatchingUp:
			err = c.catchUp(ctx, record, recipient)
			if err == nil {
				err = c.transition(ctx, record, model.MigrationCriticalSection)
			}
		case model.MigrationCriticalSection:
			var version model.CollectionVersion
			version, err = c.commit(ctx, record, donor, recipient)
			if err == nil {
				// from here on the catalog names the recipient as owner
				return c.completeCommit(ctx, record, version)
			}
		default:
			return model.CollectionVersion{}, fmt.Errorf("%w: migration %s is %s", common.ErrMigrationAborted, record.ID, record.State)
		}
		if err != nil {
			return c.abort(ctx, record, deadlineError(ctx, err))
		}
	}
}

// completeCommit finishes a migration whose ownership change is in the
// catalog. It never fails: a record that cannot be moved to Committed stays in
// CriticalSection and recovery completes it.
func (c *Coordinator) completeCommit(ctx context.Context, record *model.MigrationRecord, version model.CollectionVersion) (model.CollectionVersion, error) {
	bg := context.WithoutCancel(ctx)
	if err := c.recordCommitted(bg, record); err != nil {
		log.Error("migration committed in the catalog but its record was not updated",
			zap.String("migration", record.ID.String()),
			zap.String("state", string(record.State)),
			zap.Error(err))
	}
	c.finish(bg, record)
	if record.State == model.MigrationCommitted {
		c.archiveRecord(bg, record)
		c.countOutcome(bg, record)
	}
	log.Info("migration committed",
		zap.String("migration", record.ID.String()),
		zap.Object("version", version))
	return version, nil
}

// recordCommitted moves the record to Committed, retrying store errors.
func (c *Coordinator) recordCommitted(ctx context.Context, record *model.MigrationRecord) error {
	var err error
	for attempt := 0; attempt <= c.config.CommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.config.ShardRetryInterval)
		}
		if err = c.transition(ctx, record, model.MigrationCommitted); err == nil {
			return nil
		}
		if errors.Is(err, common.ErrInvalidMigrationTransition) {
			// an earlier attempt may have been applied without us hearing back
			stored, getErr := c.catalog.GetMigration(ctx, record.ID)
			if getErr == nil && stored.State == model.MigrationCommitted {
				record.State = stored.State
				record.UpdatedAt = stored.UpdatedAt
				return nil
			}
		}
		log.Warn("retrying migration commit record",
			zap.String("migration", record.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return err
}

// catchUp applies donor modifications until the recipient is caught up.
func (c *Coordinator) catchUp(ctx context.Context, record *model.MigrationRecord, recipient shardserver.Client) error {
	return c.drainModifications(ctx, record, recipient, time.Now())
}

// drainModifications applies batches of donor modifications until none are
// pending. At least one batch is applied; after that the loop fails with
// ErrCriticalSectionTimeout once CriticalSectionTimeout has passed since start.
func (c *Coordinator) drainModifications(ctx context.Context, record *model.MigrationRecord, recipient shardserver.Client, start time.Time) error {
	for batches := 1; ; batches++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining, err := recipient.ApplyCatchupBatch(ctx, record.ID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
		if elapsed := time.Since(start); elapsed >= c.config.CriticalSectionTimeout {
			return fmt.Errorf("%w: %s of %s has %d modifications pending after %d batches in %s",
				common.ErrCriticalSectionTimeout, record.Range, record.Namespace, remaining, batches, elapsed)
		}
	}
}

// commit blocks donor writes, drains the last modifications and records the
// new owner in the catalog. A commit found already applied is not redone.
func (c *Coordinator) commit(ctx context.Context, record *model.MigrationRecord, donor shardserver.Client, recipient shardserver.Client) (model.CollectionVersion, error) {
	if applied, version, err := c.commitApplied(ctx, record); err != nil || applied {
		return version, err
	}
	if err := donor.EnterCriticalSection(ctx, record.ID); err != nil {
		return model.CollectionVersion{}, err
	}
	if err := c.drainModifications(ctx, record, recipient, time.Now()); err != nil {
		return model.CollectionVersion{}, err
	}

	op := model.MoveOperation{
		OperationID:          "migration:" + record.ID.String(),
		ExpectedChunkVersion: record.StartVersion,
		Range:                record.Range,
		From:                 record.Donor,
		To:                   record.Recipient,
		ValidAfter:           c.clock.Now(),
	}
	for attempt := 0; ; attempt++ {
		version, err := c.catalog.ApplyChunkOperation(ctx, record.Namespace, op)
		if err == nil {
			return version, nil
		}
		if errors.Is(err, common.ErrWriteConflict) && attempt < c.config.CommitRetries {
			log.Warn("retrying migration commit", zap.String("migration", record.ID.String()), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if common.Classify(err) == common.MayHaveApplied {
			if applied, version, checkErr := c.commitApplied(context.WithoutCancel(ctx), record); checkErr == nil && applied {
				return version, nil
			}
		}
		return model.CollectionVersion{}, err
	}
}

// commitApplied reports whether the catalog already names the recipient as
// owner of the migrated range.
func (c *Coordinator) commitApplied(ctx context.Context, record *model.MigrationRecord) (bool, model.CollectionVersion, error) {
	coll, chunks, err := c.catalog.GetChunksSince(ctx, record.Namespace, model.ChunkVersion{})
	if err != nil {
		return false, model.CollectionVersion{}, err
	}
	if coll.UUID != record.CollectionUUID {
		return false, model.CollectionVersion{}, fmt.Errorf("%w: %s was recreated during migration %s", common.ErrStaleEpoch, record.Namespace, record.ID)
	}
	chunk, ok := model.FindChunkByRange(chunks, record.Range)
	if ok && chunk.Shard == record.Recipient && chunk.Version.Compare(record.StartVersion) > 0 {
		return true, coll.Version, nil
	}
	return false, model.CollectionVersion{}, nil
}

// finish tells both shards about the new owner. The donor releases its
// critical section and queues the range for deletion.
func (c *Coordinator) finish(ctx context.Context, record *model.MigrationRecord) {
	change := shardserver.OwnershipChange{
		MigrationID: record.ID,
		Namespace:   record.Namespace,
		Range:       record.Range,
		From:        record.Donor,
		To:          record.Recipient,
	}
	bg := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(bg)
	for _, shard := range []string{record.Recipient, record.Donor} {
		g.Go(func() error {
			return c.withShard(gctx, shard, func(client shardserver.Client) error {
				return client.CommitOwnershipChange(gctx, change)
			})
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("shards did not acknowledge migration commit",
			zap.String("migration", record.ID.String()), zap.Error(err))
		// the donor must not keep blocking writes
		_ = c.withShard(bg, record.Donor, func(client shardserver.Client) error {
			return client.ExitCriticalSection(bg, record.ID)
		})
	}
}

// withShard retries fn while the shard is unreachable, up to the retry budget.
func (c *Coordinator) withShard(ctx context.Context, id string, fn func(shardserver.Client) error) error {
	var err error
	for attempt := 0; attempt < max(1, c.config.ShardRetryBudget); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.ShardRetryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var client shardserver.Client
		client, err = c.shards.Shard(ctx, id)
		if err == nil {
			err = fn(client)
		}
		if !errors.Is(err, common.ErrShardUnreachable) {
			return err
		}
	}
	return err
}

// abort records the abort and has both shards drop their migration state. It
// runs even when ctx is done so the record never stays half way. A migration
// in CriticalSection whose ownership change already reached the catalog is
// completed instead.
func (c *Coordinator) abort(ctx context.Context, record *model.MigrationRecord, cause error) (model.CollectionVersion, error) {
	bg := context.WithoutCancel(ctx)
	if record.State == model.MigrationCriticalSection {
		applied, version, err := c.checkCommitted(bg, record)
		if err != nil {
			log.Error("cannot tell whether migration committed, leaving it to recovery",
				zap.String("migration", record.ID.String()),
				zap.NamedError("cause", cause),
				zap.Error(err))
			return model.CollectionVersion{}, errors.Join(cause, err)
		}
		if applied {
			log.Warn("migration failed after its commit reached the catalog, completing it",
				zap.String("migration", record.ID.String()),
				zap.Error(cause))
			return c.completeCommit(bg, record, version)
		}
	}
	log.Warn("aborting migration",
		zap.String("migration", record.ID.String()),
		zap.String("state", string(record.State)),
		zap.Error(cause))
	if !record.State.IsTerminal() {
		now := c.clock.Now()
		if err := c.catalog.UpdateMigrationState(bg, record.ID, record.State, model.MigrationAborted, cause.Error(), now); err != nil {
			log.Error("failed to record migration abort", zap.String("migration", record.ID.String()), zap.Error(err))
			return model.CollectionVersion{}, errors.Join(fmt.Errorf("%w: %w", common.ErrMigrationAborted, cause), err)
		}
		record.State = model.MigrationAborted
		record.AbortReason = cause.Error()
		record.UpdatedAt = now
		c.notifyHook(bg, record)
	}
	if err := c.withShard(bg, record.Recipient, func(client shardserver.Client) error {
		return client.AbortClone(bg, record.ID)
	}); err != nil {
		log.Warn("recipient did not discard clone", zap.String("migration", record.ID.String()), zap.Error(err))
	}
	if err := c.withShard(bg, record.Donor, func(client shardserver.Client) error {
		return client.EndDonation(bg, record.ID)
	}); err != nil {
		log.Warn("donor did not end donation", zap.String("migration", record.ID.String()), zap.Error(err))
	}
	c.archiveRecord(bg, record)
	c.countOutcome(bg, record)
	return model.CollectionVersion{}, fmt.Errorf("%w: %w", common.ErrMigrationAborted, cause)
}

// checkCommitted is commitApplied retried on store errors. A collection that
// was dropped or recreated counts as not committed.
func (c *Coordinator) checkCommitted(ctx context.Context, record *model.MigrationRecord) (bool, model.CollectionVersion, error) {
	var err error
	for attempt := 0; attempt <= c.config.CommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.config.ShardRetryInterval)
		}
		var applied bool
		var version model.CollectionVersion
		applied, version, err = c.commitApplied(ctx, record)
		if errors.Is(err, common.ErrStaleEpoch) || errors.Is(err, common.ErrCollectionNotFound) {
			return false, model.CollectionVersion{}, nil
		}
		if err == nil {
			return applied, version, nil
		}
	}
	return false, model.CollectionVersion{}, err
}

// archiveRecord moves a terminal record from the catalog to the archive.
func (c *Coordinator) archiveRecord(ctx context.Context, record *model.MigrationRecord) {
	if c.archive == nil || !record.State.IsTerminal() {
		return
	}
	if err := c.archive.Put(ctx, record); err != nil {
		log.Warn("failed to archive migration", zap.String("migration", record.ID.String()), zap.Error(err))
		return
	}
	if err := c.catalog.DeleteMigration(ctx, record.ID); err != nil && !errors.Is(err, common.ErrMigrationNotFound) {
		log.Warn("failed to delete archived migration", zap.String("migration", record.ID.String()), zap.Error(err))
	}
}

func (c *Coordinator) countOutcome(ctx context.Context, record *model.MigrationRecord) {
	if c.outcomes != nil {
		c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(record.State))))
	}
}

func (c *Coordinator) addActive(ctx context.Context, n int64) {
	if c.active != nil {
		c.active.Add(ctx, n)
	}
}
