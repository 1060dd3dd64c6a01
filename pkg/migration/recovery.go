package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/shardserver"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Recover replays the migrations left in the catalog by a previous process.
// Unfinished migrations are driven on from their persisted state, or aborted
// when one of their shards stays unreachable through the retry budget.
// Terminal records still in the catalog are archived.
func (c *Coordinator) Recover(ctx context.Context) error {
	records, err := c.catalog.ListMigrations(ctx, true)
	if err != nil {
		return err
	}
	log.Info("recovering migrations", zap.Int("records", len(records)))

	var errs []error
	for _, record := range records {
		if record.State.IsTerminal() {
			c.archiveRecord(ctx, record)
			continue
		}
		if err := c.reservations.reserve(record); err != nil {
			log.Info("migration is already running, skipping recovery", zap.String("migration", record.ID.String()))
			continue
		}
		err := c.recoverOne(ctx, record)
		c.reservations.release(record.ID)
		if err != nil && !errors.Is(err, common.ErrMigrationAborted) {
			errs = append(errs, fmt.Errorf("migration %s: %w", record.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) recoverOne(ctx context.Context, record *model.MigrationRecord) error {
	log.Info("recovering migration",
		zap.String("migration", record.ID.String()),
		zap.String("state", string(record.State)),
		zap.String("donor", record.Donor),
		zap.String("recipient", record.Recipient))
	for _, shard := range []string{record.Donor, record.Recipient} {
		err := c.withShard(ctx, shard, func(client shardserver.Client) error { return nil })
		if err != nil {
			return c.abortUnreachable(ctx, record, err)
		}
	}
	_, err := c.drive(ctx, record)
	return err
}

// abortUnreachable records the abort of a migration whose shards cannot be
// reached. The shards drop their side when they are next told about it. A
// commit that already reached the catalog is completed instead.
func (c *Coordinator) abortUnreachable(ctx context.Context, record *model.MigrationRecord, cause error) error {
	_, err := c.abort(ctx, record, cause)
	return err
}
