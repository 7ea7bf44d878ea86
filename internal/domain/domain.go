// Package domain contains the core types shared across all missioncore
// internal packages. It deliberately imports nothing from the rest of the
// module so that storage, scheduling and transport can all depend on it
// without cycles.
package domain

import "time"

// MissionState is a node in the mission lifecycle state machine.
type MissionState string

const (
	StateQueued     MissionState = "queued"
	StateAssigned   MissionState = "assigned"
	StateExecuting  MissionState = "executing"
	StateCollecting MissionState = "collecting"
	StateAnalyzing  MissionState = "analyzing"
	StateOptimizing MissionState = "optimizing"
	StateCompleted  MissionState = "completed"
	StateFailed     MissionState = "failed"
	StateCancelled  MissionState = "cancelled"
)

// transitions is the full lifecycle table. failed is reachable from every
// non-terminal state; cancelled only from queued and assigned. Once a mission
// is executing, cancellation must go through the failure path so reservations
// are reclaimed.
var transitions = map[MissionState][]MissionState{
	StateQueued:     {StateAssigned, StateFailed, StateCancelled},
	StateAssigned:   {StateExecuting, StateFailed, StateCancelled},
	StateExecuting:  {StateCollecting, StateFailed},
	StateCollecting: {StateAnalyzing, StateFailed},
	StateAnalyzing:  {StateOptimizing, StateFailed},
	StateOptimizing: {StateCompleted, StateFailed},
	StateCompleted:  nil,
	StateFailed:     {StateQueued}, // retry re-queue, gated by the scheduler
	StateCancelled:  nil,
}

// ValidNext reports whether from -> to is a legal transition.
func ValidNext(from, to MissionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStates returns the legal successors of a state.
func NextStates(from MissionState) []MissionState {
	return transitions[from]
}

// ForwardState returns the single non-failure successor of a state, if the
// state has exactly one. This is what makes the deterministic decision tier a
// pure table lookup.
func ForwardState(from MissionState) (MissionState, bool) {
	var fwd MissionState
	n := 0
	for _, s := range transitions[from] {
		if s == StateFailed || s == StateCancelled {
			continue
		}
		fwd = s
		n++
	}
	if n != 1 {
		return "", false
	}
	return fwd, true
}

// IsTerminal reports whether a state admits no further transitions for a live
// mission. failed is terminal from the tenant's point of view once retries
// are exhausted; the retry edge back to queued is applied only by the
// scheduler's recovery loop.
func IsTerminal(s MissionState) bool {
	return s == StateCompleted || s == StateCancelled
}

// MissionType enumerates the supported kinds of work.
type MissionType string

const (
	MissionLeadReactivation  MissionType = "lead-reactivation"
	MissionCampaignExecution MissionType = "campaign-execution"
	MissionProfileExtraction MissionType = "profile-extraction"
)

// KnownMissionType reports whether t is one of the supported mission types.
func KnownMissionType(t MissionType) bool {
	switch t {
	case MissionLeadReactivation, MissionCampaignExecution, MissionProfileExtraction:
		return true
	}
	return false
}

// Mission is a tenant-submitted unit of work tracked through the lifecycle
// above. Priority is immutable once queued; a boost is expressed as an
// explicit decision that re-queues, never as an in-place mutation.
type Mission struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Type        MissionType  `json:"type"`
	State       MissionState `json:"state"`
	Priority    int          `json:"priority" minimum:"0" maximum:"100"`
	CrewID      string       `json:"crew_id,omitempty"`
	WorkerID    *string      `json:"worker_id,omitempty"`
	Payload     string       `json:"payload_json,omitempty"`
	RetryCount  int          `json:"retry_count"`
	LastError   *string      `json:"last_error,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	NotBefore   *time.Time   `json:"not_before,omitempty"`
}

// Task is a decomposable sub-unit of a Mission. The result payload is opaque
// to the core; mission progress is derived from the fraction of tasks done.
type Task struct {
	ID        string       `json:"id"`
	MissionID string       `json:"mission_id"`
	State     MissionState `json:"state"`
	Ordinal   int          `json:"ordinal"`
	Result    string       `json:"result_json,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ResourceClass identifies one of the three shared resource pools.
type ResourceClass string

const (
	ResourceWorker   ResourceClass = "worker"
	ResourceIdentity ResourceClass = "identity"
	ResourceAPIQuota ResourceClass = "api_quota"
)

// Reservation is an ephemeral claim on shared capacity, held for the duration
// of a mission's active execution. ReleasedAt is nil while held.
type Reservation struct {
	ID         string        `json:"id"`
	Class      ResourceClass `json:"class"`
	InstanceID string        `json:"instance_id"`
	MissionID  string        `json:"mission_id"`
	Amount     int           `json:"amount"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ReleasedAt *time.Time    `json:"released_at,omitempty"`
}

// DomainTier is the provenance of a sending identity.
type DomainTier string

const (
	TierCustom    DomainTier = "custom"
	TierPrewarmed DomainTier = "prewarmed"
)

// DomainStatus is the health state of a sending identity. Transitions are
// one-directional (healthy -> degraded -> quarantined) until an explicit
// rotation or recovery review resets the record.
type DomainStatus string

const (
	DomainHealthy     DomainStatus = "healthy"
	DomainDegraded    DomainStatus = "degraded"
	DomainQuarantined DomainStatus = "quarantined"
)

// DomainIdentity is one outbound identity in the rotatable pool.
type DomainIdentity struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Tier          DomainTier   `json:"tier"`
	Reputation    float64      `json:"reputation" minimum:"0" maximum:"1"`
	Status        DomainStatus `json:"status"`
	LastRotatedAt time.Time    `json:"last_rotated_at"`
}

// DeliveryOutcome is the observed result of one send through an identity.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeBounced   DeliveryOutcome = "bounced"
	OutcomeComplaint DeliveryOutcome = "complaint"
)

// Event is an immutable record of what happened and why, published on the
// message bus and retained for replay. MissionID is empty for system-level
// events. Confidence is set for decision-engine outputs only.
type Event struct {
	ID            int64    `json:"id"`
	CorrelationID string   `json:"correlation_id"`
	MissionID     string   `json:"mission_id,omitempty"`
	TenantID      string   `json:"tenant_id,omitempty"`
	Topic         string   `json:"topic"`
	Type          string   `json:"type"`
	Payload       string   `json:"payload_json"`
	Confidence    *float64 `json:"confidence,omitempty"`
	EmittedAt     string   `json:"emitted_at" format:"date-time"`
}

// Bus topics. Every event lands on exactly one.
const (
	TopicMissions  = "missions"
	TopicAgents    = "agents"
	TopicDomains   = "domains"
	TopicAnalytics = "analytics"
	TopicErrors    = "errors"
	TopicSystem    = "system"
)

// KnownTopic reports whether name is one of the published topics.
func KnownTopic(name string) bool {
	switch name {
	case TopicMissions, TopicAgents, TopicDomains, TopicAnalytics, TopicErrors, TopicSystem:
		return true
	}
	return false
}
