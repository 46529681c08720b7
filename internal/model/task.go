package model

import "encoding/json"

// TaskStatus is the lifecycle state of a generation task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskType tags the generation pipeline that produced a task
type TaskType string

const (
	TaskTypeImage TaskType = "image"
	TaskTypeVideo TaskType = "video"
	TaskTypeVoice TaskType = "voice"
	TaskTypeText  TaskType = "text"
)

var ValidTaskTypes = []TaskType{
	TaskTypeImage, TaskTypeVideo, TaskTypeVoice, TaskTypeText,
}

// Task represents one in-flight or recently finished generation job
type Task struct {
	ID        string          `json:"id"`
	Type      TaskType        `json:"type"`
	Status    TaskStatus      `json:"status"`
	Progress  string          `json:"progress"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	Error     string          `json:"error,omitempty"`

	UserID    string `json:"userId,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// TaskDescriptor holds the inputs for creating a task
type TaskDescriptor struct {
	Type      TaskType
	Progress  string
	Params    json.RawMessage
	UserID    string
	ModelID   string
	RequestID string
}
