package model

// WebSocket message types
const (
	WSMessageTypePanel     = "panel"
	WSMessageTypeCompleted = "task.completed"
	WSMessageTypeFailed    = "task.failed"
	WSMessageTypePing      = "ping"
	WSMessageTypePong      = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSPanelMessage carries the current notification panel state
type WSPanelMessage struct {
	Type  string    `json:"type"`
	Panel PanelView `json:"panel"`
}

// WSCompleteMessage represents task completion
type WSCompleteMessage struct {
	Type     string      `json:"type"`
	TaskID   string      `json:"taskId"`
	TaskType TaskType    `json:"taskType"`
	Result   interface{} `json:"result"`
}

// WSErrorMessage represents a failed task
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"taskId"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
