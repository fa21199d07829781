package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage is a handle to one of the two stores. The engine opens one
// Storage for the secure store (source role) or the isolated store (sink
// role); which types belong where is the Router's call.
type Storage struct {
	DB      *sqlx.DB
	Records *RecordsTable
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return &Storage{
		DB:      db,
		Records: NewRecordsTable(db),
	}
}

// ApplyAll persists entities in one transaction, overwriting existing rows.
func (s *Storage) ApplyAll(ctx context.Context, entities []pii.Entity) error {
	err := sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		for _, e := range entities {
			if err := s.Records.UpsertTxn(txn, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &internal.StorageError{Err: err}
	}
	return nil
}

// Refresh re-stamps the entity's expiry from the policy and persists only
// that field.
func (s *Storage) Refresh(e pii.Entity, policy *pii.Policy) error {
	policy.Stamp(e)
	if err := s.Records.UpdateExpiry(e.EntityType(), e.Key(), e.ExpiresAt()); err != nil {
		return &internal.StorageError{Err: err}
	}
	return nil
}

// HasFresh reports whether the session has at least one row of entityType
// and none of them expires at or before threshold.
func (s *Storage) HasFresh(entityType, sessionID string, threshold time.Time) (bool, error) {
	min, ok, err := s.Records.MinExpiryForSession(entityType, sessionID)
	if err != nil {
		return false, &internal.StorageError{Err: err}
	}
	return ok && min.After(threshold), nil
}

// LoadSession reconstructs every registered entity belonging to a session.
// The source role uses this to answer cross-process sync requests.
func (s *Storage) LoadSession(sessionID string, registry *pii.Registry) ([]pii.Entity, error) {
	var entities []pii.Entity
	for _, entityType := range registry.Registered() {
		rows, err := s.Records.SelectBySession(entityType, sessionID)
		if err != nil {
			return nil, &internal.StorageError{Err: err}
		}
		for _, row := range rows {
			inst, ok := registry.New(row.EntityType)
			if !ok {
				return nil, &internal.SerializationError{Err: fmt.Errorf("unknown model %q", row.EntityType)}
			}
			if err := json.Unmarshal(row.Fields, inst); err != nil {
				return nil, &internal.SerializationError{Err: err}
			}
			entities = append(entities, inst)
		}
	}
	return entities, nil
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Err(err).Msg("Storage.Teardown: failed to close DB")
	}
}
