package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Cleaner removes the call with its events and transcriptions
type Cleaner struct {
	pool   *pgxpool.Pool
	tables []table
}

type table struct {
	name, where string
}

// NewCleaner creates Cleaner instance
func NewCleaner(pool *pgxpool.Pool) (*Cleaner, error) {
	if pool == nil {
		return nil, fmt.Errorf("no pool")
	}
	res := &Cleaner{pool: pool, tables: []table{
		{"email_lock", "id IN (SELECT id::text FROM transcriptions WHERE call_id = $1)"},
		{"transcriptions", "call_id = $1"},
		{"call_events", "call_id = $1"},
		{"calls", "id = $1"}}}
	return res, nil
}

// Clean deletes all records of the call, id is the call id
func (db *Cleaner) Clean(ctx context.Context, id string) error {
	callID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("wrong call id '%s': %w", id, err)
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("can't start tx: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, t := range db.tables {
		cmd, err := tx.Exec(ctx, `DELETE FROM `+t.name+` WHERE `+t.where, callID)
		if err != nil {
			return fmt.Errorf("can't delete %s(%s): %w", id, t.name, err)
		}
		goapp.Log.Info().Str("ID", id).Str("table", t.name).Int64("rows", cmd.RowsAffected()).Msg("deleted")
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("can't commit: %w", err)
	}
	return nil
}
