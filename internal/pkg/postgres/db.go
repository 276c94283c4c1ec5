package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/callscribe/internal/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB provides operations with postgresql
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates DB instance
func NewDB(pool *pgxpool.Pool) (*DB, error) {
	if pool == nil {
		return nil, fmt.Errorf("no pool")
	}
	res := &DB{pool: pool}
	return res, nil
}

const callColumns = `id, unique_id, caller_id, caller_name, destination, channel, dest_channel, state,
	start_time, answer_time, end_time, duration_seconds, hangup_cause, hangup_cause_text`

func scanCall(row pgx.Row) (*persistence.CallRecord, error) {
	var res persistence.CallRecord
	err := row.Scan(&res.ID, &res.UniqueID, &res.CallerID, &res.CallerName, &res.Destination, &res.Channel,
		&res.DestChannel, &res.State, &res.StartTime, &res.AnswerTime, &res.EndTime, &res.DurationSeconds,
		&res.HangupCause, &res.HangupCauseText)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateCall inserts the call if no record with the same unique id exists
func (db *DB) CreateCall(ctx context.Context, rec *persistence.CallRecord) (int64, bool, error) {
	var id int64
	err := db.pool.QueryRow(ctx, `INSERT INTO calls(unique_id, caller_id, caller_name, destination, channel,
	dest_channel, state, start_time, created)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (unique_id) DO NOTHING
	RETURNING id`, rec.UniqueID, rec.CallerID, rec.CallerName, rec.Destination, rec.Channel, rec.DestChannel,
		rec.State, rec.StartTime, time.Now()).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("can't insert call: %w", err)
	}
	if err := db.pool.QueryRow(ctx, `SELECT id FROM calls WHERE unique_id = $1`, rec.UniqueID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("can't load existing call: %w", err)
	}
	return id, false, nil
}

// FindCallByUniqueID returns nil if no call exists
func (db *DB) FindCallByUniqueID(ctx context.Context, uniqueID string) (*persistence.CallRecord, error) {
	res, err := scanCall(db.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE unique_id = $1`, uniqueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load call: %w", err)
	}
	return res, nil
}

// LoadCall returns nil if no call exists
func (db *DB) LoadCall(ctx context.Context, id int64) (*persistence.CallRecord, error) {
	res, err := scanCall(db.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load call: %w", err)
	}
	return res, nil
}

// UpdateCallAnswered marks the call answered
func (db *DB) UpdateCallAnswered(ctx context.Context, id int64, at time.Time) error {
	_, err := db.pool.Exec(ctx, `UPDATE calls SET state = $2, answer_time = $3, updated = $4
	WHERE id = $1 AND state <> $5`, id, status.Answered.String(), at, time.Now(), status.Ended.String())
	if err != nil {
		return fmt.Errorf("can't update call: %w", err)
	}
	return nil
}

// UpdateCallDestination saves dialed destination
func (db *DB) UpdateCallDestination(ctx context.Context, id int64, destination, destChannel string) error {
	_, err := db.pool.Exec(ctx, `UPDATE calls SET destination = $2, dest_channel = $3, updated = $4
	WHERE id = $1`, id, destination, destChannel, time.Now())
	if err != nil {
		return fmt.Errorf("can't update call: %w", err)
	}
	return nil
}

// UpdateCallEnded finishes the call
func (db *DB) UpdateCallEnded(ctx context.Context, id int64, end *persistence.CallEnd) error {
	cmd, err := db.pool.Exec(ctx, `UPDATE calls SET state = $2, end_time = $3, duration_seconds = $4,
	hangup_cause = $5, hangup_cause_text = $6, updated = $7
	WHERE id = $1`, id, status.Ended.String(), end.EndTime, end.DurationSeconds,
		utils.ToSQLStr(end.Cause), utils.ToSQLStr(end.CauseText), time.Now())
	if err != nil {
		return fmt.Errorf("can't update call: %w", err)
	}
	if cmd.RowsAffected() != 1 {
		return fmt.Errorf("can't update call, no records found")
	}
	return nil
}

// LogEvent appends the lifecycle event of the call
func (db *DB) LogEvent(ctx context.Context, callID int64, eventType string, payload map[string]string) error {
	if payload == nil {
		payload = map[string]string{}
	}
	_, err := db.pool.Exec(ctx, `INSERT INTO call_events(call_id, type, payload, created_at)
	VALUES($1, $2, $3, $4)`, callID, eventType, payload, time.Now())
	if err != nil {
		return fmt.Errorf("can't insert event: %w", err)
	}
	return nil
}

// ListCallEvents returns the events of the call in insertion order
func (db *DB) ListCallEvents(ctx context.Context, callID int64) ([]*persistence.CallEvent, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, call_id, type, payload, created_at FROM call_events
	WHERE call_id = $1 ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("can't select events: %w", err)
	}
	defer rows.Close()
	res := []*persistence.CallEvent{}
	for rows.Next() {
		var e persistence.CallEvent
		if err := rows.Scan(&e.ID, &e.CallID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("can't scan event: %w", err)
		}
		res = append(res, &e)
	}
	return res, rows.Err()
}

// ListCalls returns calls by filter, newest first
func (db *DB) ListCalls(ctx context.Context, filter *persistence.CallFilter) ([]*persistence.CallRecord, error) {
	where, args := callWhere(filter)
	args = append(args, limit(filter.Limit), max0(filter.Offset))
	q := `SELECT ` + callColumns + ` FROM calls` + where + ` ORDER BY start_time DESC, id DESC LIMIT $` +
		strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't select calls: %w", err)
	}
	defer rows.Close()
	res := []*persistence.CallRecord{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("can't scan call: %w", err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func callWhere(filter *persistence.CallFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.State != "" {
		add("state = $%d", filter.State)
	}
	if filter.CallerID != "" {
		add("caller_id = $%d", filter.CallerID)
	}
	if filter.From != nil {
		add("start_time >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("start_time < $%d", *filter.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limit(l int) int {
	if l <= 0 {
		return 50
	}
	if l > 500 {
		return 500
	}
	return l
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// CallStats returns call count by state
func (db *DB) CallStats(ctx context.Context) ([]*persistence.StateCount, error) {
	return db.counts(ctx, `SELECT state, count(*) FROM calls GROUP BY state ORDER BY state`)
}

// TranscriptionStats returns transcription count by status
func (db *DB) TranscriptionStats(ctx context.Context) ([]*persistence.StateCount, error) {
	return db.counts(ctx, `SELECT status, count(*) FROM transcriptions GROUP BY status ORDER BY status`)
}

func (db *DB) counts(ctx context.Context, q string) ([]*persistence.StateCount, error) {
	rows, err := db.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("can't select counts: %w", err)
	}
	defer rows.Close()
	res := []*persistence.StateCount{}
	for rows.Next() {
		var sc persistence.StateCount
		if err := rows.Scan(&sc.Name, &sc.Count); err != nil {
			return nil, fmt.Errorf("can't scan count: %w", err)
		}
		res = append(res, &sc)
	}
	return res, rows.Err()
}

const transcriptionColumns = `id, call_id, recording_path, status, text, error, started, finished, created`

func scanTranscription(row pgx.Row) (*persistence.Transcription, error) {
	var res persistence.Transcription
	err := row.Scan(&res.ID, &res.CallID, &res.RecordingPath, &res.Status, &res.Text, &res.Error,
		&res.Started, &res.Finished, &res.Created)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateTranscription inserts a pending job
func (db *DB) CreateTranscription(ctx context.Context, callID int64, recordingPath string) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx, `INSERT INTO transcriptions(call_id, recording_path, status, created)
	VALUES($1, $2, $3, $4) RETURNING id`, callID, recordingPath, status.Pending.String(), time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("can't insert transcription: %w", err)
	}
	return id, nil
}

// MarkProcessing claims a pending job, or a processing one started before staleBefore.
// Returns false if the job is finished or still held by another worker
func (db *DB) MarkProcessing(ctx context.Context, id int64, staleBefore time.Time) (bool, error) {
	cmd, err := db.pool.Exec(ctx, `UPDATE transcriptions SET status = $2, started = $3
	WHERE id = $1 AND (status = $4 OR (status = $2 AND started < $5))`,
		id, status.Processing.String(), time.Now(), status.Pending.String(), staleBefore)
	if err != nil {
		return false, fmt.Errorf("can't update transcription: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

// CompleteTranscription saves the text, no-op if the job is not processing
func (db *DB) CompleteTranscription(ctx context.Context, id int64, text string) error {
	_, err := db.pool.Exec(ctx, `UPDATE transcriptions SET status = $2, text = $3, finished = $4
	WHERE id = $1 AND status = $5`, id, status.Completed.String(), text, time.Now(), status.Processing.String())
	if err != nil {
		return fmt.Errorf("can't update transcription: %w", err)
	}
	return nil
}

// FailTranscription saves the error, no-op if the job is not processing
func (db *DB) FailTranscription(ctx context.Context, id int64, msg string) error {
	_, err := db.pool.Exec(ctx, `UPDATE transcriptions SET status = $2, error = $3, finished = $4
	WHERE id = $1 AND status = $5`, id, status.Failed.String(), msg, time.Now(), status.Processing.String())
	if err != nil {
		return fmt.Errorf("can't update transcription: %w", err)
	}
	return nil
}

// LoadTranscription returns nil if no job exists
func (db *DB) LoadTranscription(ctx context.Context, id int64) (*persistence.Transcription, error) {
	res, err := scanTranscription(db.pool.QueryRow(ctx, `SELECT `+transcriptionColumns+` FROM transcriptions
	WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load transcription: %w", err)
	}
	return res, nil
}

// ListCallTranscriptions returns jobs of the call
func (db *DB) ListCallTranscriptions(ctx context.Context, callID int64) ([]*persistence.Transcription, error) {
	return db.transcriptions(ctx, `SELECT `+transcriptionColumns+` FROM transcriptions
	WHERE call_id = $1 ORDER BY created, id`, callID)
}

// LoadUnfinishedTranscriptions returns pending and processing jobs, oldest first
func (db *DB) LoadUnfinishedTranscriptions(ctx context.Context) ([]*persistence.Transcription, error) {
	return db.transcriptions(ctx, `SELECT `+transcriptionColumns+` FROM transcriptions
	WHERE status IN ($1, $2) ORDER BY created, id`, status.Pending.String(), status.Processing.String())
}

func (db *DB) transcriptions(ctx context.Context, q string, args ...interface{}) ([]*persistence.Transcription, error) {
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't select transcriptions: %w", err)
	}
	defer rows.Close()
	res := []*persistence.Transcription{}
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, fmt.Errorf("can't scan transcription: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LockEmailTable marks the email as being sent, fails if it is already sent or locked
func (db *DB) LockEmailTable(ctx context.Context, id, msgType string) error {
	if _, err := db.pool.Exec(ctx, `INSERT INTO email_lock(id, type, key, created) VALUES($1, $2, 0, $3)
	ON CONFLICT (id, type) DO NOTHING`, id, msgType, time.Now()); err != nil {
		return fmt.Errorf("can't insert email lock: %w", err)
	}
	cmd, err := db.pool.Exec(ctx, `UPDATE email_lock SET key = 1 WHERE id = $1 AND type = $2 AND key = 0`, id, msgType)
	if err != nil {
		return fmt.Errorf("can't lock email: %w", err)
	}
	if cmd.RowsAffected() != 1 {
		return fmt.Errorf("email %s(%s) is locked or sent", id, msgType)
	}
	return nil
}

// UnLockEmailTable sets the final lock value, 0 allows resending
func (db *DB) UnLockEmailTable(ctx context.Context, id, msgType string, value *int) error {
	v := 0
	if value != nil {
		v = *value
	}
	if _, err := db.pool.Exec(ctx, `UPDATE email_lock SET key = $3 WHERE id = $1 AND type = $2`, id, msgType, v); err != nil {
		return fmt.Errorf("can't unlock email: %w", err)
	}
	return nil
}

// Live returns no error if db is reachable and initialized
func (db *DB) Live(ctx context.Context) error {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT FROM pg_tables WHERE tablename = 'calls')
	AND EXISTS (SELECT FROM pg_tables WHERE tablename = 'gue_jobs')`).Scan(&exists); err != nil {
		return fmt.Errorf("can't check table: %w", err)
	}
	if !exists {
		return fmt.Errorf("no migration done")
	}
	return nil
}
