package model

import (
	"encoding/json"
	"time"
)

// GenerationRequest represents a request to start a generation job
type GenerationRequest struct {
	Type    TaskType        `json:"type" validate:"required,oneof=image video voice text"`
	ModelID string          `json:"modelId" validate:"required,min=3,max=200"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	// APIKey overrides the configured provider key when set
	APIKey string `json:"apiKey,omitempty"`
}

// GenerationStartResponse is returned once the provider accepted the job
type GenerationStartResponse struct {
	TaskID    string     `json:"taskId"`
	RequestID string     `json:"requestId"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PanelView is the notification panel state for one user
type PanelView struct {
	Pending   []Task `json:"pending"`
	Completed []Task `json:"completed"`
}

// TaskActionResponse reports the outcome of a panel action on one task
type TaskActionResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
}

// TaskClearResponse reports how many finished tasks were cleared
type TaskClearResponse struct {
	Success bool `json:"success"`
	Cleared int  `json:"cleared"`
}
