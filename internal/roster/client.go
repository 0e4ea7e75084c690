package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

// timestampLayout matches the source's timestamps once the trailing zone
// designator is stripped. The fractional part is optional.
const timestampLayout = "2006-01-02T15:04:05.999999999"

// Client fetches the group roster from the external roster source
type Client struct {
	http      *retryablehttp.Client
	baseURL   string
	apiKey    string
	userAgent string
	location  *time.Location
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a roster source client
func NewClient(cfg *config.RosterConfig, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("loading roster time zone %q: %w", cfg.Location, err)
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.Logger = logger

	return &Client{
		http:      httpClient,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		location:  loc,
		metrics:   m,
		logger:    logger,
	}, nil
}

type groupResponse struct {
	Memberships []membership `json:"memberships"`
}

type membership struct {
	Player struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"player"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type nameChange struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// FetchRoster returns the normalized members of a group. Transport and decode
// failures wrap domain.ErrSourceUnavailable; a single malformed record is
// logged and left out.
func (c *Client) FetchRoster(ctx context.Context, groupID int64) ([]domain.RosterMember, error) {
	var resp groupResponse
	if err := c.get(ctx, fmt.Sprintf("/groups/%d", groupID), &resp); err != nil {
		return nil, err
	}
	return c.parseMemberships(resp.Memberships), nil
}

// FetchNameChanges returns the renames the source reports for a group
func (c *Client) FetchNameChanges(ctx context.Context, groupID int64) ([]domain.NameChange, error) {
	var resp []nameChange
	if err := c.get(ctx, fmt.Sprintf("/groups/%d/name-changes", groupID), &resp); err != nil {
		return nil, err
	}

	changes := make([]domain.NameChange, 0, len(resp))
	for _, nc := range resp {
		if strings.TrimSpace(nc.OldName) == "" || strings.TrimSpace(nc.NewName) == "" {
			c.logger.Warn("skipping name change with empty name",
				"old_name", nc.OldName,
				"new_name", nc.NewName,
			)
			continue
		}
		changes = append(changes, domain.NameChange{OldName: nc.OldName, NewName: nc.NewName})
	}
	return changes, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %w", domain.ErrSourceUnavailable, err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", domain.ErrSourceUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: GET %s: status %d: %s",
			domain.ErrSourceUnavailable, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", domain.ErrSourceUnavailable, path, err)
	}
	return nil
}

func (c *Client) parseMemberships(memberships []membership) []domain.RosterMember {
	members := make([]domain.RosterMember, 0, len(memberships))
	for i, ms := range memberships {
		member, err := c.parseMembership(ms)
		if err != nil {
			c.metrics.SkippedRecord()
			c.logger.Warn("skipping roster record",
				"index", i,
				"username", ms.Player.Username,
				"error", err,
			)
			continue
		}
		members = append(members, member)
	}
	return members
}

func (c *Client) parseMembership(ms membership) (domain.RosterMember, error) {
	username := strings.TrimSpace(ms.Player.Username)
	if username == "" {
		return domain.RosterMember{}, fmt.Errorf("%w: missing username", domain.ErrRecordSkipped)
	}
	role := strings.TrimSpace(ms.Role)
	if role == "" {
		return domain.RosterMember{}, fmt.Errorf("%w: missing role", domain.ErrRecordSkipped)
	}

	created, err := c.parseTimestamp(ms.CreatedAt)
	if err != nil {
		return domain.RosterMember{}, fmt.Errorf("%w: createdAt: %w", domain.ErrRecordSkipped, err)
	}
	updated, err := c.parseTimestamp(ms.UpdatedAt)
	if err != nil {
		return domain.RosterMember{}, fmt.Errorf("%w: updatedAt: %w", domain.ErrRecordSkipped, err)
	}

	return domain.RosterMember{
		ExternalID:          ms.Player.ID,
		Username:            username,
		RoleLabel:           role,
		MembershipCreatedAt: created,
		MembershipUpdatedAt: updated,
	}, nil
}

// parseTimestamp strips the trailing zone designator and reads the rest as a
// naive time in the configured location.
func (c *Client) parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "Z")
	return time.ParseInLocation(timestampLayout, trimmed, c.location)
}
