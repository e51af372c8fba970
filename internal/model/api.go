package model

import "time"

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
	Store       string `json:"store,omitempty"`
}

type TaskStatus struct {
	TaskID          string   `json:"task_id"`
	Name            string   `json:"name,omitempty"`
	State           string   `json:"state"`
	Running         bool     `json:"running"`
	RefreshSeconds  int      `json:"refresh_seconds"`
	ResultURL       string   `json:"result_url,omitempty"`
	Status          string   `json:"status,omitempty"`
	PercentComplete int      `json:"percent_complete,omitempty"`
	Log             []string `json:"log,omitempty"`
}

type TaskOutcome struct {
	Item     string      `json:"item"`
	TaskID   string      `json:"task_id"`
	Status   *TaskStatus `json:"status,omitempty"`
	Error    string      `json:"error,omitempty"`
	Released bool        `json:"released"`
}

type IngestTimings struct {
	Upload int64 `json:"upload"`
	Wait   int64 `json:"wait"`
	Total  int64 `json:"total"`
}

type TranscriptUploadResponse struct {
	Tasks     map[string]string `json:"tasks"`
	Outcomes  []TaskOutcome     `json:"outcomes,omitempty"`
	TimingsMS IngestTimings     `json:"timings_ms"`
}

type TaskRecord struct {
	TaskID      string    `json:"task_id"`
	Item        string    `json:"item,omitempty"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type TaskListResponse struct {
	Tasks []TaskRecord `json:"tasks"`
}

type CommandResponse struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"task_id,omitempty"`
	ID     string `json:"id,omitempty"`
}

type MatchResponse struct {
	TranscriptID  string            `json:"transcript_id"`
	StartAnchorID string            `json:"start_anchor_id,omitempty"`
	EndAnchorID   string            `json:"end_anchor_id,omitempty"`
	StartOffset   *float64          `json:"start_offset,omitempty"`
	EndOffset     *float64          `json:"end_offset,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	UtteranceID   string            `json:"utterance_id,omitempty"`
	TargetID      string            `json:"target_id,omitempty"`
	Prefix        string            `json:"prefix,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}
