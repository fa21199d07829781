package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pii-shield/pii-shield/pii"
)

// RecordRow is one replicated record as stored. Expiry is unix millis.
type RecordRow struct {
	EntityType string `db:"entity_type"`
	ID         string `db:"id"`
	SessionID  string `db:"session_id"`
	ExpiresAt  int64  `db:"expires_at"`
	Fields     []byte `db:"fields"`
}

// RecordsTable holds every replicated record of every entity type, one row
// per (type, id). Writes overwrite: last committed write wins.
type RecordsTable struct {
	db *sqlx.DB
}

func NewRecordsTable(db *sqlx.DB) *RecordsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS pii_records (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		fields JSONB NOT NULL,
		PRIMARY KEY(entity_type, id)
	);
	CREATE INDEX IF NOT EXISTS pii_records_session_idx ON pii_records(entity_type, session_id);
	CREATE INDEX IF NOT EXISTS pii_records_expiry_idx ON pii_records(entity_type, expires_at);
	`)
	return &RecordsTable{db}
}

// UpsertTxn writes one entity row inside txn, overwriting any previous row
// with the same identity.
func (t *RecordsTable) UpsertTxn(txn *sqlx.Tx, e pii.Entity) error {
	fields, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", e.EntityType(), e.Key(), err)
	}
	_, err = txn.Exec(`
		INSERT INTO pii_records(entity_type, id, session_id, expires_at, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			expires_at = EXCLUDED.expires_at,
			fields = EXCLUDED.fields`,
		e.EntityType(), e.Key(), e.Session(), e.ExpiresAt().UnixMilli(), fields)
	return err
}

// UpdateExpiry persists a new expiry for one row, touching nothing else.
func (t *RecordsTable) UpdateExpiry(entityType, id string, expiresAt time.Time) error {
	_, err := t.db.Exec(
		`UPDATE pii_records SET expires_at = $1 WHERE entity_type = $2 AND id = $3`,
		expiresAt.UnixMilli(), entityType, id,
	)
	return err
}

// SelectBySession returns every row of one type belonging to a session.
func (t *RecordsTable) SelectBySession(entityType, sessionID string) ([]RecordRow, error) {
	var rows []RecordRow
	err := t.db.Select(&rows, `
		SELECT entity_type, id, session_id, expires_at, fields FROM pii_records
		WHERE entity_type = $1 AND session_id = $2`,
		entityType, sessionID,
	)
	return rows, err
}

// MinExpiryForSession returns the earliest expiry among a session's rows of
// one type. ok is false when the session has no rows of this type.
func (t *RecordsTable) MinExpiryForSession(entityType, sessionID string) (min time.Time, ok bool, err error) {
	var ms *int64
	err = t.db.Get(&ms, `
		SELECT MIN(expires_at) FROM pii_records
		WHERE entity_type = $1 AND session_id = $2`,
		entityType, sessionID,
	)
	if err != nil || ms == nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(*ms), true, nil
}

// SelectExpired returns up to limit rows of one type which expired before
// now, oldest expiry first. A non-zero offset skips rows, which lets
// dry-run sweeps page through matches they are not deleting.
func (t *RecordsTable) SelectExpired(entityType string, now time.Time, limit, offset int) ([]RecordRow, error) {
	var rows []RecordRow
	err := t.db.Select(&rows, `
		SELECT entity_type, id, session_id, expires_at, fields FROM pii_records
		WHERE entity_type = $1 AND expires_at < $2
		ORDER BY expires_at ASC LIMIT $3 OFFSET $4`,
		entityType, now.UnixMilli(), limit, offset,
	)
	return rows, err
}

// DeleteTxn removes rows of one type by id and reports how many went.
func (t *RecordsTable) DeleteTxn(txn *sqlx.Tx, entityType string, ids []string) (int64, error) {
	res, err := txn.Exec(
		`DELETE FROM pii_records WHERE entity_type = $1 AND id = ANY($2)`,
		entityType, pq.StringArray(ids),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
