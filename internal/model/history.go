package model

import "time"

// HistoryItem is a durable record of one completed generation
type HistoryItem struct {
	ID        string                 `json:"id" bson:"_id"`
	UserID    string                 `json:"userId" bson:"user_id"`
	Type      TaskType               `json:"type" bson:"type"`
	Content   map[string]interface{} `json:"content" bson:"content"`
	CreatedAt time.Time              `json:"createdAt" bson:"created_at"`
}

// Well-known content keys
const (
	ContentImageURL  = "imageUrl"
	ContentVideoURL  = "videoUrl"
	ContentAudioURL  = "audioUrl"
	ContentText      = "text"
	ContentPrompt    = "prompt"
	ContentModelID   = "modelId"
	ContentRequestID = "requestId"
	ContentInputs    = "inputs"
)

// HistoryListResponse wraps a user's history
type HistoryListResponse struct {
	Items []HistoryItem `json:"items"`
	Count int           `json:"count"`
}
