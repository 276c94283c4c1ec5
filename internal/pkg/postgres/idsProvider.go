package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBIdsProvider provides ids of ended calls older than the retention period
type DBIdsProvider struct {
	pool         *pgxpool.Pool
	expiresAfter time.Duration
}

// NewDBIdsProvider creates DBIdsProvider instance
func NewDBIdsProvider(pool *pgxpool.Pool, expiresAfter time.Duration) (*DBIdsProvider, error) {
	if pool == nil {
		return nil, fmt.Errorf("no pool")
	}
	if expiresAfter <= 0 {
		return nil, fmt.Errorf("wrong expire duration %v", expiresAfter)
	}
	res := &DBIdsProvider{pool: pool, expiresAfter: expiresAfter}
	return res, nil
}

// GetExpired returns call ids
func (db *DBIdsProvider) GetExpired(ctx context.Context) ([]string, error) {
	exp := time.Now().Add(-db.expiresAfter)
	goapp.Log.Info().Time("older than", exp).Msg("selecting old calls...")
	rows, err := db.pool.Query(ctx, `SELECT id FROM calls WHERE state = $1 AND end_time < $2 ORDER BY id`,
		status.Ended.String(), exp)
	if err != nil {
		return nil, fmt.Errorf("can't select IDs: %w", err)
	}
	defer rows.Close()

	res := []string{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("can't retrieve IDs: %w", err)
		}
		res = append(res, strconv.FormatInt(id, 10))
	}
	return res, rows.Err()
}
