package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clan-roster/internal/domain"
)

// uniqueViolation is the SQLSTATE of a unique constraint failure
const uniqueViolation = "23505"

// RankLadder loads the rank table ordered by rank_order
func (r *Repository) RankLadder(ctx context.Context) (domain.RankLadder, error) {
	rows, err := r.pool.Query(ctx, `SELECT rank, rank_order, total_points FROM config ORDER BY rank_order ASC`)
	if err != nil {
		return domain.RankLadder{}, storeErr("loading ranks", err)
	}
	defer rows.Close()

	var defs []domain.RankDefinition
	for rows.Next() {
		var def domain.RankDefinition
		if err := rows.Scan(&def.Rank, &def.RankOrder, &def.TotalPointsAllowance); err != nil {
			return domain.RankLadder{}, storeErr("scanning rank", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return domain.RankLadder{}, storeErr("loading ranks", err)
	}
	return domain.NewRankLadder(defs), nil
}

// RequirementsForRank returns the stored requirement rows of one rank
func (r *Repository) RequirementsForRank(ctx context.Context, rank string) ([]domain.RequirementRow, error) {
	query := `
		SELECT id, rank, requirement_type, required_value
		FROM rank_requirements
		WHERE LOWER(rank) = LOWER($1)
		ORDER BY id
	`
	return r.queryRequirements(ctx, query, rank)
}

// ListRequirements returns every stored requirement row
func (r *Repository) ListRequirements(ctx context.Context) ([]domain.RequirementRow, error) {
	query := `
		SELECT rr.id, rr.rank, rr.requirement_type, rr.required_value
		FROM rank_requirements rr
		JOIN config c ON c.rank = rr.rank
		ORDER BY c.rank_order, rr.id
	`
	return r.queryRequirements(ctx, query)
}

func (r *Repository) queryRequirements(ctx context.Context, query string, args ...any) ([]domain.RequirementRow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("listing requirements", err)
	}
	defer rows.Close()

	var reqs []domain.RequirementRow
	for rows.Next() {
		var row domain.RequirementRow
		if err := rows.Scan(&row.ID, &row.Rank, &row.Type, &row.RequiredValue); err != nil {
			return nil, storeErr("scanning requirement", err)
		}
		reqs = append(reqs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing requirements", err)
	}
	return reqs, nil
}

// UpsertRequirement stores a requirement. Without an ID it inserts, or
// replaces the value of the rank's existing requirement of the same type.
func (r *Repository) UpsertRequirement(ctx context.Context, row domain.RequirementRow) (domain.RequirementRow, error) {
	if row.ID == 0 {
		err := r.pool.QueryRow(ctx, `
			INSERT INTO rank_requirements (rank, requirement_type, required_value)
			VALUES ($1, $2, $3)
			ON CONFLICT (rank, requirement_type) DO UPDATE SET required_value = EXCLUDED.required_value
			RETURNING id
		`, row.Rank, row.Type, row.RequiredValue).Scan(&row.ID)
		if err != nil {
			return row, storeErr("upserting requirement", err)
		}
		return row, nil
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE rank_requirements SET rank = $2, requirement_type = $3, required_value = $4
		WHERE id = $1
	`, row.ID, row.Rank, row.Type, row.RequiredValue)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return row, fmt.Errorf("%w: %s already has a %s requirement", domain.ErrInvalidRequirement, row.Rank, row.Type)
		}
		return row, storeErr("updating requirement", err)
	}
	if tag.RowsAffected() == 0 {
		return row, domain.ErrRequirementNotFound
	}
	return row, nil
}

// DeleteRequirement removes one requirement
func (r *Repository) DeleteRequirement(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rank_requirements WHERE id = $1`, id)
	if err != nil {
		return storeErr("deleting requirement", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRequirementNotFound
	}
	return nil
}

// RequirementByID loads one requirement row
func (r *Repository) RequirementByID(ctx context.Context, id int64) (domain.RequirementRow, error) {
	var row domain.RequirementRow
	err := r.pool.QueryRow(ctx, `
		SELECT id, rank, requirement_type, required_value FROM rank_requirements WHERE id = $1
	`, id).Scan(&row.ID, &row.Rank, &row.Type, &row.RequiredValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return row, domain.ErrRequirementNotFound
		}
		return row, storeErr("getting requirement", err)
	}
	return row, nil
}

// ValidationExists reports whether a requirement is already logged as met
func (r *Repository) ValidationExists(ctx context.Context, character string, requirementID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM validation_log
			WHERE LOWER(character_name) = LOWER($1) AND requirement_id = $2
		)
	`, character, requirementID).Scan(&exists)
	if err != nil {
		return false, storeErr("checking validation", err)
	}
	return exists, nil
}

// InsertValidation appends a validation_log row. A concurrent duplicate is
// reported as not inserted.
func (r *Repository) InsertValidation(ctx context.Context, entry domain.ValidationLogEntry) (bool, error) {
	at := entry.ValidatedAt
	if at.IsZero() {
		at = time.Now()
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO validation_log (character_name, rank, requirement_id, validated_by, validated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (character_name, requirement_id) DO NOTHING
	`, entry.CharacterName, entry.Rank, entry.RequirementID, entry.ValidatedBy, at)
	if err != nil {
		return false, storeErr("inserting validation", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ValidationsFor lists the validations logged for a character
func (r *Repository) ValidationsFor(ctx context.Context, character string) ([]domain.ValidationLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, character_name, rank, requirement_id, validated_by, validated_at
		FROM validation_log
		WHERE LOWER(character_name) = LOWER($1)
		ORDER BY validated_at, id
	`, character)
	if err != nil {
		return nil, storeErr("listing validations", err)
	}
	defer rows.Close()

	var entries []domain.ValidationLogEntry
	for rows.Next() {
		var e domain.ValidationLogEntry
		if err := rows.Scan(&e.ID, &e.CharacterName, &e.Rank, &e.RequirementID, &e.ValidatedBy, &e.ValidatedAt); err != nil {
			return nil, storeErr("scanning validation", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing validations", err)
	}
	return entries, nil
}

// DistinctSenders counts the distinct members who sent character positive points
func (r *Repository) DistinctSenders(ctx context.Context, character string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT LOWER(related_user))
		FROM points_transactions
		WHERE LOWER(character_name) = LOWER($1)
			AND points_change > 0
			AND related_user <> ''
			AND related_user <> $2
	`, character, domain.SystemValidator).Scan(&count)
	if err != nil {
		return 0, storeErr("counting distinct senders", err)
	}
	return count, nil
}

// DistinctSenderRanks counts the distinct ranks held by positive senders
func (r *Repository) DistinctSenderRanks(ctx context.Context, character string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT c.rank)
		FROM points_transactions pt
		JOIN members m ON m.username_key = LOWER(REPLACE(pt.related_user, '_', ' '))
		JOIN config c ON LOWER(c.rank) = LOWER(m.rank)
		WHERE LOWER(pt.character_name) = LOWER($1) AND pt.points_change > 0
	`, character).Scan(&count)
	if err != nil {
		return 0, storeErr("counting distinct sender ranks", err)
	}
	return count, nil
}

// EarliestTransaction returns the timestamp of character's first ledger row
func (r *Repository) EarliestTransaction(ctx context.Context, character string) (time.Time, bool, error) {
	var earliest *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT MIN(timestamp) FROM points_transactions WHERE LOWER(character_name) = LOWER($1)
	`, character).Scan(&earliest)
	if err != nil {
		return time.Time{}, false, storeErr("finding earliest transaction", err)
	}
	if earliest == nil {
		return time.Time{}, false, nil
	}
	return *earliest, true, nil
}
