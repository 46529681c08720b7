package poller

import (
	"encoding/json"

	"github.com/sellerstudio/api/internal/model"
)

// BuildContent maps a provider result onto history content keys.
// Providers differ in shape, so several common layouts are tried.
func BuildContent(job Job, result map[string]interface{}) map[string]interface{} {
	content := map[string]interface{}{
		model.ContentModelID:   job.ModelID,
		model.ContentRequestID: job.RequestID,
	}

	var params map[string]interface{}
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err == nil {
			content[model.ContentInputs] = params
			if prompt := firstString(params, "prompt", "text"); prompt != "" {
				content[model.ContentPrompt] = prompt
			}
		}
	}

	switch job.Type {
	case model.TaskTypeImage:
		if u := firstURL(result, "images", "image", "output"); u != "" {
			content[model.ContentImageURL] = u
		}
	case model.TaskTypeVideo:
		if u := firstURL(result, "video", "video_url", "output"); u != "" {
			content[model.ContentVideoURL] = u
		}
	case model.TaskTypeVoice:
		if u := firstURL(result, "audio", "audio_url", "audio_file", "output"); u != "" {
			content[model.ContentAudioURL] = u
		}
	case model.TaskTypeText:
		if text := firstString(result, "output", "text", "response"); text != "" {
			content[model.ContentText] = text
		}
	}
	return content
}

// firstURL returns the first media URL found under keys. A key may hold a
// plain string, an object with "url", or a list of either.
func firstURL(result map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if u := urlOf(result[key]); u != "" {
			return u
		}
	}
	return ""
}

func urlOf(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		if u, ok := val["url"].(string); ok {
			return u
		}
	case []interface{}:
		for _, el := range val {
			if u := urlOf(el); u != "" {
				return u
			}
		}
	}
	return ""
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
