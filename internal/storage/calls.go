package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/voxmatch/internal/calls"
)

var _ calls.Store = (*DB)(nil)

const callColumns = `id, match_id, initiator_id, receiver_id, call_day, status,
	created_at, start_time, end_time, duration_seconds`

// CreateCallRecord inserts a pending call attempt with a fresh id, created
// at createdAt.
func (d *DB) CreateCallRecord(ctx context.Context, matchID, initiatorID, receiverID int64, callDay int, createdAt time.Time) (calls.Attempt, error) {
	a := calls.Attempt{
		ID:          uuid.NewString(),
		MatchID:     matchID,
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		CallDay:     callDay,
		Status:      calls.Pending,
		CreatedAt:   createdAt.UTC(),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO calls (id, match_id, initiator_id, receiver_id, call_day, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MatchID, a.InitiatorID, a.ReceiverID, a.CallDay, string(a.Status),
		a.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return calls.Attempt{}, fmt.Errorf("insert call: %w", err)
	}
	return a, nil
}

// UpdateCallRecord applies the non-nil fields of upd and returns the stored row.
func (d *DB) UpdateCallRecord(ctx context.Context, id string, upd calls.CallUpdate) (calls.Attempt, error) {
	var (
		sets []string
		args []any
	)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, formatTime(upd.StartTime))
	}
	if upd.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, formatTime(upd.EndTime))
	}
	if upd.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *upd.DurationSeconds)
	}
	if len(sets) > 0 {
		args = append(args, id)
		d.mu.Lock()
		res, err := d.db.ExecContext(ctx,
			"UPDATE calls SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		d.mu.Unlock()
		if err != nil {
			return calls.Attempt{}, fmt.Errorf("update call %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return calls.Attempt{}, fmt.Errorf("call %s: %w", id, calls.ErrNotFound)
		}
	}
	return d.GetCall(ctx, id)
}

// GetCall returns the stored attempt with id.
func (d *DB) GetCall(ctx context.Context, id string) (calls.Attempt, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
	a, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Attempt{}, fmt.Errorf("call %s: %w", id, calls.ErrNotFound)
	}
	return a, err
}

// CallsForMatch returns the attempts of a match, oldest first.
func (d *DB) CallsForMatch(ctx context.Context, matchID int64) ([]calls.Attempt, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE match_id = ? ORDER BY created_at`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Attempt
	for rows.Next() {
		a, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (calls.Attempt, error) {
	var (
		a               calls.Attempt
		status, created string
		start, end      sql.NullString
		duration        sql.NullInt64
	)
	if err := s.Scan(&a.ID, &a.MatchID, &a.InitiatorID, &a.ReceiverID, &a.CallDay, &status,
		&created, &start, &end, &duration); err != nil {
		return calls.Attempt{}, err
	}
	a.Status = calls.Status(status)
	if t, err := time.Parse(timeLayout, created); err == nil {
		a.CreatedAt = t
	}
	a.StartTime = parseTime(start)
	a.EndTime = parseTime(end)
	if duration.Valid {
		n := int(duration.Int64)
		a.DurationSeconds = &n
	}
	return a, nil
}
