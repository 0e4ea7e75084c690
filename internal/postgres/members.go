package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clan-roster/internal/domain"
)

const memberColumns = `id, external_id, username, rank, rank_obtained_at, joined_at,
	points, given_points, last_rank_update, last_roster_update, deleted`

func scanMember(row pgx.Row) (*domain.Member, error) {
	var m domain.Member
	var rankObtained, joined, lastRankUpdate, lastRosterUpdate *time.Time
	err := row.Scan(
		&m.ID,
		&m.ExternalID,
		&m.Username,
		&m.Rank,
		&rankObtained,
		&joined,
		&m.Points,
		&m.GivenPoints,
		&lastRankUpdate,
		&lastRosterUpdate,
		&m.Deleted,
	)
	if err != nil {
		return nil, err
	}
	m.RankObtainedAt = deref(rankObtained)
	m.JoinedAt = deref(joined)
	m.LastRankUpdate = deref(lastRankUpdate)
	m.LastRosterUpdate = deref(lastRosterUpdate)
	return &m, nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// MemberByUsername finds a member by normalized username, deleted or not
func (r *Repository) MemberByUsername(ctx context.Context, username string) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE username_key = $1`
	m, err := scanMember(r.pool.QueryRow(ctx, query, domain.NormalizeUsername(username)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMemberNotFound
		}
		return nil, storeErr("getting member", err)
	}
	return m, nil
}

// InsertMember stores a new member and sets its ID
func (r *Repository) InsertMember(ctx context.Context, m *domain.Member) error {
	query := `
		INSERT INTO members (external_id, username, username_key, rank, rank_obtained_at, joined_at,
			points, given_points, last_rank_update, last_roster_update, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		m.ExternalID,
		m.Username,
		domain.NormalizeUsername(m.Username),
		m.Rank,
		nullTime(m.RankObtainedAt),
		nullTime(m.JoinedAt),
		m.Points,
		m.GivenPoints,
		nullTime(m.LastRankUpdate),
		nullTime(m.LastRosterUpdate),
	).Scan(&m.ID)
	if err != nil {
		return storeErr("inserting member", err)
	}
	return nil
}

// ChangeRank updates a member's rank and appends the rank history row in one
// transaction. It reports false when the stored rank already matches.
func (r *Repository) ChangeRank(ctx context.Context, memberID int64, entry domain.RankHistoryEntry) (bool, error) {
	changed := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE members
			SET rank = $2, rank_obtained_at = $3, last_rank_update = $4
			WHERE id = $1 AND LOWER(rank) <> LOWER($2)
		`, memberID, entry.Rank, nullTime(entry.RankObtainedAt), entry.PulledAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO rank_history (external_id, username, rank, rank_obtained_at, pulled_at)
			VALUES ($1, $2, $3, $4, $5)
		`, entry.ExternalID, entry.Username, entry.Rank, nullTime(entry.RankObtainedAt), entry.PulledAt)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, storeErr("changing rank", err)
	}
	return changed, nil
}

// RecordSighting marks a member as present in the roster at seenAt. A member
// previously marked deleted is restored and the call reports true.
func (r *Repository) RecordSighting(ctx context.Context, memberID, externalID int64, seenAt time.Time) (bool, error) {
	query := `
		WITH prev AS (
			SELECT id, deleted FROM members WHERE id = $1 FOR UPDATE
		)
		UPDATE members m
		SET last_roster_update = $2,
			external_id = CASE WHEN $3::BIGINT <> 0 THEN $3::BIGINT ELSE m.external_id END,
			deleted = FALSE
		FROM prev
		WHERE m.id = prev.id
		RETURNING prev.deleted
	`
	var restored bool
	err := r.pool.QueryRow(ctx, query, memberID, seenAt, externalID).Scan(&restored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrMemberNotFound
	}
	if err != nil {
		return false, storeErr("recording sighting", err)
	}
	return restored, nil
}

// StaleMembers lists live members not seen in the roster since cutoff
func (r *Repository) StaleMembers(ctx context.Context, cutoff time.Time) ([]domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members
		WHERE deleted = FALSE AND (last_roster_update IS NULL OR last_roster_update < $1)
		ORDER BY id`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, storeErr("listing stale members", err)
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, storeErr("scanning member", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing stale members", err)
	}
	return members, nil
}

// MarkDeleted flags a member as departed. It reports false when the member
// was already deleted.
func (r *Repository) MarkDeleted(ctx context.Context, memberID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE members SET deleted = TRUE WHERE id = $1 AND deleted = FALSE`, memberID)
	if err != nil {
		return false, storeErr("marking member deleted", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyNameChange records a rename once and moves the member and its linked
// identity to the new name. It reports false for an already recorded rename.
func (r *Repository) ApplyNameChange(ctx context.Context, nc domain.NameChange) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO name_changes (old_name, new_name, change_date) VALUES ($1, $2, NOW())
			ON CONFLICT (old_name, new_name) DO NOTHING
		`, nc.OldName, nc.NewName)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		oldKey := domain.NormalizeUsername(nc.OldName)
		newKey := domain.NormalizeUsername(nc.NewName)

		var taken bool
		err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM members WHERE username_key = $1)`, newKey).Scan(&taken)
		if err != nil {
			return err
		}
		if taken && oldKey != newKey {
			r.logger.Warn("rename target already a member, leaving both rows",
				"old_name", nc.OldName,
				"new_name", nc.NewName,
			)
			return nil
		}

		batch := &pgx.Batch{}
		batch.Queue(`UPDATE members SET username = $1, username_key = $2 WHERE username_key = $3`,
			nc.NewName, newKey, oldKey)
		batch.Queue(`UPDATE discord_users SET character_name = $1, character_key = $2 WHERE character_key = $3`,
			nc.NewName, newKey, oldKey)
		batch.Queue(`UPDATE points_transactions SET character_name = $1 WHERE LOWER(character_name) = LOWER($2)`,
			nc.NewName, nc.OldName)
		batch.Queue(`UPDATE points_transactions SET related_user = $1 WHERE LOWER(related_user) = LOWER($2)`,
			nc.NewName, nc.OldName)
		batch.Queue(`UPDATE validation_log SET character_name = $1 WHERE LOWER(character_name) = LOWER($2)`,
			nc.NewName, nc.OldName)

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return false, storeErr("applying name change", err)
	}
	return applied, nil
}

// RankHistory returns the rank changes recorded for a username, newest first
func (r *Repository) RankHistory(ctx context.Context, username string, limit int) ([]domain.RankHistoryEntry, error) {
	query := `
		SELECT external_id, username, rank, rank_obtained_at, pulled_at
		FROM rank_history
		WHERE LOWER(username) = LOWER($1)
		ORDER BY pulled_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, username, limit)
	if err != nil {
		return nil, storeErr("listing rank history", err)
	}
	defer rows.Close()

	var entries []domain.RankHistoryEntry
	for rows.Next() {
		var (
			e        domain.RankHistoryEntry
			obtained *time.Time
		)
		if err := rows.Scan(&e.ExternalID, &e.Username, &e.Rank, &obtained, &e.PulledAt); err != nil {
			return nil, storeErr("scanning rank history", err)
		}
		e.RankObtainedAt = deref(obtained)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
