package server

import (
	"missioncore/internal/alloc"
	"missioncore/internal/analytics"
	"missioncore/internal/domain"
)

// Request payloads

type SubmitMissionRequest struct {
	Type     string         `json:"type" enum:"lead-reactivation,campaign-execution,profile-extraction"`
	Priority int            `json:"priority" minimum:"0" maximum:"100"`
	CrewID   *string        `json:"crew_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type AddDomainRequest struct {
	Name string `json:"name" minLength:"1"`
	Tier string `json:"tier" enum:"custom,prewarmed"`
}

// Response payloads

type SubmitMissionResponse struct {
	ID    string              `json:"id"`
	State domain.MissionState `json:"state"`
}

type MissionDetailResponse struct {
	Mission  domain.Mission `json:"mission"`
	Progress float64        `json:"progress" minimum:"0" maximum:"100"`
	Tasks    []domain.Task  `json:"tasks,omitempty"`
	Events   []domain.Event `json:"recent_events,omitempty"`
}

type MissionListResponse struct {
	Missions []domain.Mission `json:"missions"`
}

type StatusResponse struct {
	QueueDepth  int                         `json:"queue_depth"`
	StateCounts map[domain.MissionState]int `json:"state_counts"`
	Utilization []alloc.CrewUtilization     `json:"utilization"`
}

type DomainListResponse struct {
	Domains []domain.DomainIdentity `json:"domains"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}

type SnapshotHistoryResponse struct {
	Snapshots []analytics.Snapshot `json:"snapshots"`
}

type TrendsResponse struct {
	Points []analytics.TrendPoint `json:"points"`
}

type AnomaliesResponse struct {
	Anomalies []analytics.Anomaly `json:"anomalies"`
}
