package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

// Store is the member store as seen by the requirement validator
type Store interface {
	RankLadder(ctx context.Context) (domain.RankLadder, error)
	LinkedMembers(ctx context.Context) ([]domain.LinkedMember, error)
	RequirementsForRank(ctx context.Context, rank string) ([]domain.RequirementRow, error)
	DistinctSenders(ctx context.Context, character string) (int64, error)
	DistinctSenderRanks(ctx context.Context, character string) (int64, error)
	EarliestTransaction(ctx context.Context, character string) (time.Time, bool, error)
	ValidationExists(ctx context.Context, character string, requirementID int64) (bool, error)
	InsertValidation(ctx context.Context, entry domain.ValidationLogEntry) (bool, error)
}

// Result summarizes one validation cycle
type Result struct {
	CycleID   string        `json:"cycle_id"`
	Members   int           `json:"members"`
	Evaluated int           `json:"evaluated"`
	Logged    int           `json:"logged"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// Validator records which next-rank requirements each linked member meets.
// It never promotes; it only appends to the validation log.
type Validator struct {
	store   Store
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a requirement validator
func New(store Store, m *metrics.Metrics, logger *slog.Logger) *Validator {
	return &Validator{
		store:   store,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// WithClock overrides the validator's time source
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Run validates every linked member below the top rank. Failures for one
// member are logged and the cycle moves on.
func (v *Validator) Run(ctx context.Context) (Result, error) {
	start := v.now()
	res := Result{CycleID: uuid.NewString()}
	logger := v.logger.With("cycle_id", res.CycleID)

	ladder, err := v.store.RankLadder(ctx)
	if err != nil {
		return res, fmt.Errorf("loading rank ladder: %w", err)
	}
	linked, err := v.store.LinkedMembers(ctx)
	if err != nil {
		return res, fmt.Errorf("listing linked members: %w", err)
	}

	for _, lm := range linked {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		if _, ok := ladder.Next(lm.Member.Rank); !ok {
			continue
		}
		res.Members++

		el, logged, err := v.validateMember(ctx, ladder, lm)
		if err != nil {
			res.Failed++
			logger.Error("member validation failed",
				"character", lm.Member.Username,
				"error", err,
			)
			continue
		}
		res.Evaluated += len(el.Requirements)
		res.Skipped += el.Skipped
		res.Logged += logged
	}

	res.Duration = v.now().Sub(start)
	logger.Info("validation completed",
		"members", res.Members,
		"evaluated", res.Evaluated,
		"logged", res.Logged,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration", res.Duration,
	)
	return res, nil
}

func (v *Validator) validateMember(ctx context.Context, ladder domain.RankLadder, lm domain.LinkedMember) (domain.Eligibility, int, error) {
	el, err := v.Assess(ctx, ladder, lm)
	if err != nil {
		return el, 0, err
	}

	logged := 0
	for i, st := range el.Requirements {
		if !st.Met || st.Logged || st.Requirement.Kind == domain.RequirementOther {
			continue
		}
		inserted, err := v.store.InsertValidation(ctx, domain.ValidationLogEntry{
			CharacterName: lm.Member.Username,
			Rank:          el.NextRank,
			RequirementID: st.Requirement.ID,
			ValidatedBy:   domain.SystemValidator,
			ValidatedAt:   v.now(),
		})
		if err != nil {
			return el, logged, fmt.Errorf("logging requirement %d: %w", st.Requirement.ID, err)
		}
		el.Requirements[i].Logged = true
		if inserted {
			logged++
			v.metrics.ValidationLogged()
			v.logger.Info("requirement met",
				"character", lm.Member.Username,
				"rank", el.NextRank,
				"requirement_id", st.Requirement.ID,
				"requirement_type", st.Requirement.Kind.String(),
			)
		}
	}
	return el, logged, nil
}

// Assess evaluates a member against the requirements of their next rank
// without writing anything. Unusable requirement rows are counted in Skipped.
func (v *Validator) Assess(ctx context.Context, ladder domain.RankLadder, lm domain.LinkedMember) (domain.Eligibility, error) {
	el := domain.Eligibility{
		CharacterName: lm.Member.Username,
		DiscordUID:    lm.Identity.DiscordUID,
		Rank:          lm.Member.Rank,
	}
	next, ok := ladder.Next(lm.Member.Rank)
	if !ok {
		return el, nil
	}
	el.NextRank = next.Rank

	rows, err := v.store.RequirementsForRank(ctx, next.Rank)
	if err != nil {
		return el, fmt.Errorf("loading requirements for %s: %w", next.Rank, err)
	}

	for _, row := range rows {
		req, err := domain.ParseRequirement(row)
		if err != nil {
			el.Skipped++
			v.metrics.RequirementSkipped()
			v.logger.Warn("skipping requirement",
				"requirement_id", row.ID,
				"rank", row.Rank,
				"error", err,
			)
			continue
		}

		logged, err := v.store.ValidationExists(ctx, lm.Member.Username, req.ID)
		if err != nil {
			return el, fmt.Errorf("checking requirement %d: %w", req.ID, err)
		}

		st := domain.RequirementStatus{Requirement: req, Logged: logged, Met: logged}
		if req.Kind.Numeric() {
			current, err := v.measure(ctx, lm.Member, req.Kind)
			if err != nil {
				return el, fmt.Errorf("evaluating requirement %d: %w", req.ID, err)
			}
			st.Current = current
			st.Met = logged || current >= req.Threshold
		}
		el.Requirements = append(el.Requirements, st)
	}

	el.AllMet = len(el.Requirements) > 0 && el.Skipped == 0
	for _, st := range el.Requirements {
		if !st.Met {
			el.AllMet = false
		}
	}
	return el, nil
}

// measure returns the member's current value for a numeric requirement kind.
// A member with no ledger entries has no time in clan.
func (v *Validator) measure(ctx context.Context, m domain.Member, kind domain.RequirementKind) (int64, error) {
	switch kind {
	case domain.RequirementPoints:
		return m.Points, nil
	case domain.RequirementDistinctPlayers:
		return v.store.DistinctSenders(ctx, m.Username)
	case domain.RequirementDistinctRanks:
		return v.store.DistinctSenderRanks(ctx, m.Username)
	case domain.RequirementTimeInClan:
		earliest, ok, err := v.store.EarliestTransaction(ctx, m.Username)
		if err != nil || !ok {
			return 0, err
		}
		return int64(MonthsBetween(earliest, v.now())), nil
	case domain.RequirementTimeAtRank:
		since := firstSet(m.LastRankUpdate, m.RankObtainedAt, m.JoinedAt)
		if since.IsZero() {
			return 0, nil
		}
		return int64(MonthsBetween(since, v.now())), nil
	}
	return 0, errors.New("requirement kind has no numeric measure")
}

func firstSet(times ...time.Time) time.Time {
	for _, t := range times {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// MonthsBetween counts the whole calendar months from start to end. A
// partial month does not count.
func MonthsBetween(start, end time.Time) int {
	if end.Before(start) {
		return -MonthsBetween(end, start)
	}
	end = end.In(start.Location())
	months := (end.Year()-start.Year())*12 + int(end.Month()-start.Month())
	if months > 0 && remainder(end).Before(remainder(start)) {
		months--
	}
	return months
}

// remainder projects t onto a fixed month so only day and clock remain
func remainder(t time.Time) time.Time {
	return time.Date(2000, time.January, t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
