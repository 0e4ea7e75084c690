package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the roster engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Job cycles
	CyclesTotal   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	JobsCoalesced *prometheus.CounterVec

	// Roster reconciliation
	RosterRecordsSkipped prometheus.Counter
	MembersJoined        prometheus.Counter
	MembersDeparted      prometheus.Counter
	RankChanges          prometheus.Counter
	NameChanges          prometheus.Counter
	MemberErrors         prometheus.Counter

	// Entitlement sync
	EntitlementMutations *prometheus.CounterVec
	EntitlementDropped   prometheus.Counter
	EntitlementQueue     prometheus.Gauge

	// Requirement validation
	ValidationsLogged   prometheus.Counter
	RequirementsSkipped prometheus.Counter

	// Points economy
	PointsApplied *prometheus.CounterVec
	RewardClaims  *prometheus.CounterVec

	WebsocketClients prometheus.Gauge
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.CyclesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clan_roster_job_runs_total",
			Help: "job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)
	m.CycleDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clan_roster_job_duration_seconds",
			Help:    "job run duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"job"},
	)
	m.JobsCoalesced = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clan_roster_job_triggers_coalesced_total",
			Help: "triggers folded into an in-flight or pending run",
		},
		[]string{"job"},
	)

	m.RosterRecordsSkipped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_records_skipped_total",
			Help: "roster records dropped during parsing",
		},
	)
	m.MembersJoined = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_members_joined_total",
			Help: "members inserted from the roster",
		},
	)
	m.MembersDeparted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_members_departed_total",
			Help: "members marked deleted after leaving the roster",
		},
	)
	m.RankChanges = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_rank_changes_total",
			Help: "rank changes applied from the roster",
		},
	)
	m.NameChanges = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_name_changes_total",
			Help: "renames applied from the roster source",
		},
	)
	m.MemberErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_member_errors_total",
			Help: "members whose reconciliation failed",
		},
	)

	m.EntitlementMutations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clan_roster_entitlement_mutations_total",
			Help: "role mutations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
	m.EntitlementDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_entitlement_dropped_total",
			Help: "entitlement jobs dropped because the queue was full",
		},
	)
	m.EntitlementQueue = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "clan_roster_entitlement_queue_depth",
			Help: "entitlement jobs waiting for a worker",
		},
	)

	m.ValidationsLogged = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_validations_logged_total",
			Help: "requirements newly logged as met",
		},
	)
	m.RequirementsSkipped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "clan_roster_requirements_skipped_total",
			Help: "requirements skipped because their stored value is unusable",
		},
	)

	m.PointsApplied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clan_roster_points_changes_total",
			Help: "points changes by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	m.RewardClaims = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clan_roster_reward_claims_total",
			Help: "reward claims by outcome",
		},
		[]string{"outcome"},
	)

	m.WebsocketClients = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "clan_roster_websocket_clients",
			Help: "connected live feed clients",
		},
	)

	return m
}

// ObserveJob records one job run
func (m *Metrics) ObserveJob(job, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(job, outcome).Inc()
	m.CycleDuration.WithLabelValues(job).Observe(seconds)
}

// JobCoalesced counts a trigger that did not start a new run
func (m *Metrics) JobCoalesced(job string) {
	if m == nil {
		return
	}
	m.JobsCoalesced.WithLabelValues(job).Inc()
}

func (m *Metrics) inc(pick func(*Metrics) prometheus.Counter) {
	if m == nil {
		return
	}
	pick(m).Inc()
}

// SkippedRecord counts a dropped roster record
func (m *Metrics) SkippedRecord() {
	m.inc(func(m *Metrics) prometheus.Counter { return m.RosterRecordsSkipped })
}

// Joined counts a newly inserted member
func (m *Metrics) Joined() { m.inc(func(m *Metrics) prometheus.Counter { return m.MembersJoined }) }

// Departed counts a member marked deleted
func (m *Metrics) Departed() { m.inc(func(m *Metrics) prometheus.Counter { return m.MembersDeparted }) }

// RankChanged counts an applied rank change
func (m *Metrics) RankChanged() { m.inc(func(m *Metrics) prometheus.Counter { return m.RankChanges }) }

// Renamed counts an applied name change
func (m *Metrics) Renamed() { m.inc(func(m *Metrics) prometheus.Counter { return m.NameChanges }) }

// MemberFailed counts a member whose reconciliation failed
func (m *Metrics) MemberFailed() { m.inc(func(m *Metrics) prometheus.Counter { return m.MemberErrors }) }

// QueueDropped counts an entitlement job dropped on a full queue
func (m *Metrics) QueueDropped() {
	m.inc(func(m *Metrics) prometheus.Counter { return m.EntitlementDropped })
}

// ValidationLogged counts a newly logged requirement
func (m *Metrics) ValidationLogged() {
	m.inc(func(m *Metrics) prometheus.Counter { return m.ValidationsLogged })
}

// RequirementSkipped counts an unusable requirement row
func (m *Metrics) RequirementSkipped() {
	m.inc(func(m *Metrics) prometheus.Counter { return m.RequirementsSkipped })
}

// EntitlementMutation records the outcome of one role mutation
func (m *Metrics) EntitlementMutation(op, outcome string) {
	if m == nil {
		return
	}
	m.EntitlementMutations.WithLabelValues(op, outcome).Inc()
}

// SetQueueDepth records the entitlement queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.EntitlementQueue.Set(float64(depth))
}

// PointsChange records a points mutation attempt
func (m *Metrics) PointsChange(source, outcome string) {
	if m == nil {
		return
	}
	m.PointsApplied.WithLabelValues(source, outcome).Inc()
}

// RewardClaim records a reward claim attempt
func (m *Metrics) RewardClaim(outcome string) {
	if m == nil {
		return
	}
	m.RewardClaims.WithLabelValues(outcome).Inc()
}

// ClientConnected adjusts the live feed client gauge
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Add(float64(delta))
}
