package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clan-roster/internal/domain"
)

// ApplyPointsChange adjusts a member's points and appends the ledger row in
// one transaction. The balance never drops below zero. A change carrying a
// limit locks the giver and recipient rows and rechecks the giver's sums
// before writing, so concurrent awards cannot overspend.
func (r *Repository) ApplyPointsChange(ctx context.Context, change domain.PointsChange) (domain.PointsTransaction, error) {
	txn := domain.PointsTransaction{
		CharacterName: change.CharacterName,
		PointsChange:  change.Delta,
		Reason:        change.Reason,
		RelatedUser:   change.RelatedUser,
		Timestamp:     change.At,
	}
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now()
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if change.EventID != "" {
			var seen bool
			err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM points_transactions WHERE event_id = $1)`,
				change.EventID).Scan(&seen)
			if err != nil {
				return err
			}
			if seen {
				return domain.ErrDuplicateEvent
			}
		}

		if change.Limit != nil {
			if err := enforceLimit(ctx, tx, change); err != nil {
				return err
			}
		}

		key := domain.NormalizeUsername(change.CharacterName)
		err := tx.QueryRow(ctx, `
			SELECT username, points FROM members WHERE username_key = $1 AND deleted = FALSE FOR UPDATE
		`, key).Scan(&txn.CharacterName, &txn.PreviousPoints)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrMemberNotFound
			}
			return err
		}

		txn.NewPoints = txn.PreviousPoints + change.Delta
		if txn.NewPoints < 0 {
			return domain.ErrNegativeBalance
		}

		if _, err := tx.Exec(ctx, `UPDATE members SET points = $2 WHERE username_key = $1`, key, txn.NewPoints); err != nil {
			return err
		}

		if change.CountAsGiven && change.Delta > 0 && change.RelatedUser != "" {
			_, err := tx.Exec(ctx, `
				UPDATE members SET given_points = given_points + $2 WHERE username_key = $1
			`, domain.NormalizeUsername(change.RelatedUser), change.Delta)
			if err != nil {
				return err
			}
		}

		return tx.QueryRow(ctx, `
			INSERT INTO points_transactions (character_name, points_change, reason, related_user,
				previous_points, new_points, event_id, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
			RETURNING id
		`, txn.CharacterName, txn.PointsChange, txn.Reason, txn.RelatedUser,
			txn.PreviousPoints, txn.NewPoints, change.EventID, txn.Timestamp).Scan(&txn.ID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) ||
			errors.Is(err, domain.ErrMemberNotFound) ||
			errors.Is(err, domain.ErrNegativeBalance) ||
			errors.Is(err, domain.ErrInsufficientAllowance) ||
			errors.Is(err, domain.ErrWeeklyRecipientCap) {
			return domain.PointsTransaction{}, err
		}
		return domain.PointsTransaction{}, storeErr("applying points change", err)
	}
	return txn, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// enforceLimit locks both members in key order and rejects the change when
// it would exceed the giver's allowance or the per-recipient cap.
func enforceLimit(ctx context.Context, tx pgx.Tx, change domain.PointsChange) error {
	_, err := tx.Exec(ctx, `
		SELECT id FROM members WHERE username_key IN ($1, $2) ORDER BY username_key FOR UPDATE
	`, domain.NormalizeUsername(change.RelatedUser), domain.NormalizeUsername(change.CharacterName))
	if err != nil {
		return err
	}

	limit := change.Limit
	given, err := sumGiven(ctx, tx, change.RelatedUser, "", limit.Since)
	if err != nil {
		return err
	}
	if given+change.Delta > limit.Allowance {
		remaining := limit.Allowance - given
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Errorf("%w: %d remaining this week", domain.ErrInsufficientAllowance, remaining)
	}

	toRecipient, err := sumGiven(ctx, tx, change.RelatedUser, change.CharacterName, limit.Since)
	if err != nil {
		return err
	}
	if toRecipient+change.Delta > limit.RecipientCap {
		return fmt.Errorf("%w: %d of %d already given", domain.ErrWeeklyRecipientCap, toRecipient, limit.RecipientCap)
	}
	return nil
}

// sumGiven totals positive points giver handed out since the cutoff, to
// recipient only when it is set.
func sumGiven(ctx context.Context, q rowQuerier, giver, recipient string, since time.Time) (int64, error) {
	var total int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(points_change), 0)
		FROM points_transactions
		WHERE LOWER(related_user) = LOWER($1)
			AND ($2 = '' OR LOWER(character_name) = LOWER($2))
			AND points_change > 0
			AND timestamp >= $3
	`, giver, recipient, since).Scan(&total)
	return total, err
}

// PointsGivenSince sums the positive points giver handed out since the cutoff
func (r *Repository) PointsGivenSince(ctx context.Context, giver string, since time.Time) (int64, error) {
	total, err := sumGiven(ctx, r.pool, giver, "", since)
	if err != nil {
		return 0, storeErr("summing given points", err)
	}
	return total, nil
}

// PointsGivenToSince sums the positive points giver handed to recipient since the cutoff
func (r *Repository) PointsGivenToSince(ctx context.Context, giver, recipient string, since time.Time) (int64, error) {
	total, err := sumGiven(ctx, r.pool, giver, recipient, since)
	if err != nil {
		return 0, storeErr("summing points given to recipient", err)
	}
	return total, nil
}

// TopPoints returns the members with the most points
func (r *Repository) TopPoints(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT username, points, ROW_NUMBER() OVER (ORDER BY points DESC, username ASC) AS position
		FROM members
		WHERE deleted = FALSE
		ORDER BY points DESC, username ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, storeErr("listing top points", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.CharacterName, &e.Points, &e.Position); err != nil {
			return nil, storeErr("scanning points entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing top points", err)
	}
	return entries, nil
}

// AllPoints returns every live member's points balance
func (r *Repository) AllPoints(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT username, points FROM members WHERE deleted = FALSE`)
	if err != nil {
		return nil, storeErr("listing points", err)
	}
	defer rows.Close()

	points := make(map[string]int64)
	for rows.Next() {
		var name string
		var balance int64
		if err := rows.Scan(&name, &balance); err != nil {
			return nil, storeErr("scanning points", err)
		}
		points[name] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing points", err)
	}
	return points, nil
}

// TransactionsFor returns a member's most recent ledger rows
func (r *Repository) TransactionsFor(ctx context.Context, character string, limit int) ([]domain.PointsTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, character_name, points_change, reason, related_user, previous_points, new_points, timestamp
		FROM points_transactions
		WHERE LOWER(character_name) = LOWER($1)
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`, character, limit)
	if err != nil {
		return nil, storeErr("listing transactions", err)
	}
	defer rows.Close()

	var txns []domain.PointsTransaction
	for rows.Next() {
		var t domain.PointsTransaction
		err := rows.Scan(&t.ID, &t.CharacterName, &t.PointsChange, &t.Reason, &t.RelatedUser,
			&t.PreviousPoints, &t.NewPoints, &t.Timestamp)
		if err != nil {
			return nil, storeErr("scanning transaction", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing transactions", err)
	}
	return txns, nil
}
