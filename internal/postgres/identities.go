package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clan-roster/internal/domain"
)

// LinkIdentity ties a chat identity to a character. A character already
// linked to a different identity is recorded in duplicate_entries for manual
// review and ErrDuplicateIdentity is returned.
func (r *Repository) LinkIdentity(ctx context.Context, link domain.IdentityLink) error {
	key := domain.NormalizeUsername(link.CharacterName)
	duplicate := false

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var existing string
		err := tx.QueryRow(ctx, `SELECT discord_uid FROM discord_users WHERE character_key = $1 FOR UPDATE`, key).Scan(&existing)
		switch {
		case err == nil && existing != link.DiscordUID:
			duplicate = true
			_, err = tx.Exec(ctx, `
				INSERT INTO duplicate_entries (discord_uid, character_name, existing_uid, created_at)
				VALUES ($1, $2, $3, NOW())
			`, link.DiscordUID, link.CharacterName, existing)
			return err
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO discord_users (discord_uid, character_name, character_key, rank)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (discord_uid) DO UPDATE
			SET character_name = $2, character_key = $3, rank = $4
		`, link.DiscordUID, link.CharacterName, key, link.Rank)
		return err
	})
	if err != nil {
		return storeErr("linking identity", err)
	}
	if duplicate {
		r.logger.Warn("duplicate identity link routed to review",
			"discord_uid", link.DiscordUID,
			"character_name", link.CharacterName,
		)
		return domain.ErrDuplicateIdentity
	}
	return nil
}

// IdentityByDiscordUID resolves a chat identity to its linked character
func (r *Repository) IdentityByDiscordUID(ctx context.Context, uid string) (*domain.IdentityLink, error) {
	return r.queryIdentity(ctx, `
		SELECT discord_uid, character_name, rank FROM discord_users WHERE discord_uid = $1
	`, uid)
}

// IdentityByCharacterName resolves a character to its linked chat identity
func (r *Repository) IdentityByCharacterName(ctx context.Context, name string) (*domain.IdentityLink, error) {
	return r.queryIdentity(ctx, `
		SELECT discord_uid, character_name, rank FROM discord_users WHERE character_key = $1
	`, domain.NormalizeUsername(name))
}

func (r *Repository) queryIdentity(ctx context.Context, query string, arg string) (*domain.IdentityLink, error) {
	var link domain.IdentityLink
	err := r.pool.QueryRow(ctx, query, arg).Scan(&link.DiscordUID, &link.CharacterName, &link.Rank)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIdentityNotLinked
		}
		return nil, storeErr("getting identity", err)
	}
	return &link, nil
}

// LinkedMembers lists every live member that has a linked chat identity
func (r *Repository) LinkedMembers(ctx context.Context) ([]domain.LinkedMember, error) {
	query := `
		SELECT du.discord_uid, du.character_name, du.rank,
			m.id, m.external_id, m.username, m.rank, m.rank_obtained_at, m.joined_at,
			m.points, m.given_points, m.last_rank_update, m.last_roster_update, m.deleted
		FROM discord_users du
		JOIN members m ON m.username_key = du.character_key
		WHERE m.deleted = FALSE
		ORDER BY m.id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, storeErr("listing linked members", err)
	}
	defer rows.Close()

	var linked []domain.LinkedMember
	for rows.Next() {
		var lm domain.LinkedMember
		var rankObtained, joined, lastRankUpdate, lastRosterUpdate *time.Time
		err := rows.Scan(
			&lm.Identity.DiscordUID,
			&lm.Identity.CharacterName,
			&lm.Identity.Rank,
			&lm.Member.ID,
			&lm.Member.ExternalID,
			&lm.Member.Username,
			&lm.Member.Rank,
			&rankObtained,
			&joined,
			&lm.Member.Points,
			&lm.Member.GivenPoints,
			&lastRankUpdate,
			&lastRosterUpdate,
			&lm.Member.Deleted,
		)
		if err != nil {
			return nil, storeErr("scanning linked member", err)
		}
		lm.Member.RankObtainedAt = deref(rankObtained)
		lm.Member.JoinedAt = deref(joined)
		lm.Member.LastRankUpdate = deref(lastRankUpdate)
		lm.Member.LastRosterUpdate = deref(lastRosterUpdate)
		linked = append(linked, lm)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing linked members", err)
	}
	return linked, nil
}
