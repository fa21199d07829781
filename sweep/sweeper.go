// Package sweep deletes expired replicated records from the isolated store
// in rate-limited batches.
package sweep

import (
	"context"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/sqlutil"
	"github.com/pii-shield/pii-shield/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultBatchSize = 1000
	DefaultSleep     = 500 * time.Millisecond
)

// Options control one sweep run.
type Options struct {
	BatchSize int
	// Sleep is the pause between batches.
	Sleep time.Duration
	// Force sweeps every known replicated type, not just the ones
	// registered for synchronization.
	Force bool
	// DryRun counts expired records without deleting anything.
	DryRun bool
}

// Report summarizes a sweep run.
type Report struct {
	PerType map[string]int
	Total   int
}

// Sweeper purges expired rows, batch by batch, per entity type. It is meant
// to run as an externally scheduled job; a single run is not concurrent
// with itself.
type Sweeper struct {
	store    *state.Storage
	registry *pii.Registry
	Now      func() time.Time
}

func NewSweeper(store *state.Storage, registry *pii.Registry) *Sweeper {
	return &Sweeper{store: store, registry: registry, Now: time.Now}
}

// Run sweeps each eligible type: fetch up to BatchSize expired rows (oldest
// expiry first), delete them in one transaction, sleep, and move on when a
// batch comes back short. A storage failure aborts the whole run; batches
// already committed stay deleted.
func (s *Sweeper) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	report := Report{PerType: make(map[string]int)}

	var types []string
	if opts.Force {
		types = s.registry.KnownTypes()
	} else {
		types = s.registry.Registered()
	}

	for _, entityType := range types {
		deleted, err := s.sweepType(ctx, entityType, opts)
		report.PerType[entityType] = deleted
		report.Total += deleted
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Sweeper) sweepType(ctx context.Context, entityType string, opts Options) (int, error) {
	total := 0
	// dry runs don't delete, so they page by offset instead
	offset := 0
	for {
		rows, err := s.store.Records.SelectExpired(entityType, s.Now(), opts.BatchSize, offset)
		if err != nil {
			return total, &internal.StorageError{Err: err}
		}
		if len(rows) == 0 {
			break
		}
		if opts.DryRun {
			total += len(rows)
			offset += len(rows)
		} else {
			ids := make([]string, 0, len(rows))
			for _, row := range rows {
				ids = append(ids, row.ID)
			}
			var deleted int64
			err := sqlutil.WithTransaction(ctx, s.store.DB, func(txn *sqlx.Tx) error {
				var txnErr error
				deleted, txnErr = s.store.Records.DeleteTxn(txn, entityType, ids)
				return txnErr
			})
			if err != nil {
				return total, &internal.StorageError{Err: err}
			}
			total += int(deleted)
		}
		logger.Info().
			Str("entity_type", entityType).
			Int("deleted", total).
			Bool("dry_run", opts.DryRun).
			Msg("swept batch")
		if len(rows) < opts.BatchSize {
			break
		}
		if opts.Sleep > 0 {
			time.Sleep(opts.Sleep)
		}
	}
	return total, nil
}
