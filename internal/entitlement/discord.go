package entitlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/clan-roster/internal/domain"
)

// DiscordProvider implements Provider against one Discord guild
type DiscordProvider struct {
	session *discordgo.Session
	guildID string
}

// NewDiscordProvider creates a bot session for the guild
func NewDiscordProvider(token, guildID string) (*DiscordProvider, error) {
	if token == "" || guildID == "" {
		return nil, errors.New("discord bot token and guild id are required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &DiscordProvider{session: session, guildID: guildID}, nil
}

// MemberRoles returns the guild roles held by a user
func (p *DiscordProvider) MemberRoles(ctx context.Context, identity string) ([]Role, error) {
	member, err := p.session.GuildMember(p.guildID, identity, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrIdentityNotFound, identity)
		}
		return nil, fmt.Errorf("getting guild member: %w", err)
	}

	guildRoles, err := p.guildRoles(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Role, len(guildRoles))
	for _, r := range guildRoles {
		byID[r.ID] = r
	}

	held := make([]Role, 0, len(member.Roles))
	for _, id := range member.Roles {
		if r, ok := byID[id]; ok {
			held = append(held, r)
		}
	}
	return held, nil
}

// RolesByName returns guild roles matching name, case-insensitively
func (p *DiscordProvider) RolesByName(ctx context.Context, name string) ([]Role, error) {
	guildRoles, err := p.guildRoles(ctx)
	if err != nil {
		return nil, err
	}
	var matches []Role
	for _, r := range guildRoles {
		if strings.EqualFold(r.Name, name) {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

// AddRole grants a role to a user
func (p *DiscordProvider) AddRole(ctx context.Context, identity, roleID string) error {
	if err := p.session.GuildMemberRoleAdd(p.guildID, identity, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("adding role %s: %w", roleID, err)
	}
	return nil
}

// RemoveRole revokes a role from a user
func (p *DiscordProvider) RemoveRole(ctx context.Context, identity, roleID string) error {
	if err := p.session.GuildMemberRoleRemove(p.guildID, identity, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("removing role %s: %w", roleID, err)
	}
	return nil
}

// SendMessage posts a plain message to a channel
func (p *DiscordProvider) SendMessage(ctx context.Context, channelID, content string) error {
	if _, err := p.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (p *DiscordProvider) guildRoles(ctx context.Context) ([]Role, error) {
	roles, err := p.session.GuildRoles(p.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("listing guild roles: %w", err)
	}
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, Role{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
