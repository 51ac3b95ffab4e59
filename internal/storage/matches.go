package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petervdpas/voxmatch/internal/calls"
)

// UpsertMatch stores or fully replaces a match. The matching service owns
// match creation; this is how it (and the tests) seed rows.
func (d *DB) UpsertMatch(ctx context.Context, m calls.Match) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO matches
			(id, user_a, user_b, call_count, is_chat_unlocked, are_photos_revealed, call_scheduled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_a              = excluded.user_a,
			user_b              = excluded.user_b,
			call_count          = excluded.call_count,
			is_chat_unlocked    = excluded.is_chat_unlocked,
			are_photos_revealed = excluded.are_photos_revealed,
			call_scheduled      = excluded.call_scheduled`,
		m.ID, m.UserA, m.UserB, m.CallCount,
		boolInt(m.IsChatUnlocked), boolInt(m.ArePhotosRevealed), boolInt(m.CallScheduled),
	)
	return err
}

// GetMatch returns the match with id.
func (d *DB) GetMatch(ctx context.Context, id int64) (calls.Match, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var (
		m                   calls.Match
		chat, photos, sched int
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, call_count, is_chat_unlocked, are_photos_revealed, call_scheduled
		FROM matches WHERE id = ?`, id).
		Scan(&m.ID, &m.UserA, &m.UserB, &m.CallCount, &chat, &photos, &sched)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Match{}, fmt.Errorf("match %d: %w", id, calls.ErrNotFound)
	}
	if err != nil {
		return calls.Match{}, err
	}
	m.IsChatUnlocked = chat != 0
	m.ArePhotosRevealed = photos != 0
	m.CallScheduled = sched != 0
	return m, nil
}

// UpdateMatch applies the non-nil fields of upd and returns the stored row.
func (d *DB) UpdateMatch(ctx context.Context, id int64, upd calls.MatchUpdate) (calls.Match, error) {
	var (
		sets []string
		args []any
	)
	if upd.CallCount != nil {
		sets = append(sets, "call_count = ?")
		args = append(args, *upd.CallCount)
	}
	if upd.IsChatUnlocked != nil {
		sets = append(sets, "is_chat_unlocked = ?")
		args = append(args, boolInt(*upd.IsChatUnlocked))
	}
	if upd.ArePhotosRevealed != nil {
		sets = append(sets, "are_photos_revealed = ?")
		args = append(args, boolInt(*upd.ArePhotosRevealed))
	}
	if upd.CallScheduled != nil {
		sets = append(sets, "call_scheduled = ?")
		args = append(args, boolInt(*upd.CallScheduled))
	}
	if len(sets) > 0 {
		args = append(args, id)
		d.mu.Lock()
		res, err := d.db.ExecContext(ctx,
			"UPDATE matches SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		d.mu.Unlock()
		if err != nil {
			return calls.Match{}, fmt.Errorf("update match %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return calls.Match{}, fmt.Errorf("match %d: %w", id, calls.ErrNotFound)
		}
	}
	return d.GetMatch(ctx, id)
}
