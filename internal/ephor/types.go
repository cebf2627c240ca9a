package ephor

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultAPIBase = "https://api.ephor.ai"
	DefaultModel   = "gpt-4o"
	modeAsk        = "ask"
)

type PastMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query is one outgoing prompt fanned out to a model set. It is immutable once
// sent; MessageID stays fixed across retries so the backend can deduplicate.
type Query struct {
	Text               string
	Models             []string
	MessageID          string
	ParentMessageID    string
	ChannelID          string
	ProjectID          string
	PastContext        []PastMessage
	CustomInstructions string
}

func NewMessageID() string {
	return uuid.NewString()
}

// WithMessageID returns a copy of q carrying a fresh id when it has none.
func (q Query) WithMessageID() Query {
	if strings.TrimSpace(q.MessageID) == "" {
		q.MessageID = NewMessageID()
	}
	return q
}

type interactPayload struct {
	ChannelID          string        `json:"channel_id"`
	MessageID          string        `json:"message_id"`
	ParentID           *string       `json:"parent_id"`
	ProjectID          string        `json:"project_id"`
	Query              string        `json:"query"`
	PastMessages       []PastMessage `json:"past_messages"`
	SelectedModels     []string      `json:"selected_models"`
	LMType             string        `json:"lm_type"`
	SelectedMode       string        `json:"selected_mode"`
	CustomInstructions string        `json:"custom_instructions,omitempty"`
}

func newInteractPayload(q Query) interactPayload {
	payload := interactPayload{
		ChannelID:          q.ChannelID,
		MessageID:          q.MessageID,
		ProjectID:          q.ProjectID,
		Query:              q.Text,
		PastMessages:       q.PastContext,
		SelectedModels:     q.Models,
		LMType:             DefaultModel,
		SelectedMode:       modeAsk,
		CustomInstructions: q.CustomInstructions,
	}
	if payload.PastMessages == nil {
		payload.PastMessages = []PastMessage{}
	}
	if len(q.Models) > 0 {
		payload.LMType = q.Models[0]
	}
	if parent := strings.TrimSpace(q.ParentMessageID); parent != "" {
		payload.ParentID = &parent
	}
	return payload
}

// Ack is the JSON acknowledgment that precedes a socket stream.
type Ack struct {
	MessageID string `json:"message_id"`
	ItemID    string `json:"item_id"`
	Detail    any    `json:"detail,omitempty"`
}

type chatPayload struct {
	ProjectID      string   `json:"project_id"`
	ChannelID      string   `json:"channel_id"`
	MessageID      string   `json:"message_id"`
	ParentID       string   `json:"parent_id,omitempty"`
	Query          string   `json:"query"`
	SelectedModels []string `json:"selected_models"`
}

type ChatResponse struct {
	Output string   `json:"output"`
	Cost   *float64 `json:"cost,omitempty"`
}

// LogEntry is one raw message of a channel's shared log. Fields vary across
// backend versions, so the raw object is kept for field probing.
type LogEntry map[string]any

func (e LogEntry) String(keys ...string) string {
	for _, key := range keys {
		switch value := e[key].(type) {
		case string:
			if strings.TrimSpace(value) != "" {
				return value
			}
		case json.Number:
			return value.String()
		case float64:
			return strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	return ""
}

func (e LogEntry) ID() string {
	return e.String("id", "message_id")
}

func (e LogEntry) ParentID() string {
	return e.String("parent_id", "reply_to_id", "reply_to", "parent_message_id")
}

func (e LogEntry) Role() string {
	return strings.ToLower(e.String("role", "author_role", "sender"))
}

// Timestamp parses created_at style fields; zero when absent.
func (e LogEntry) Timestamp() time.Time {
	for _, key := range []string{"created_at", "updated_at", "timestamp", "createdAt"} {
		switch value := e[key].(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
				if parsed, err := time.Parse(layout, value); err == nil {
					return parsed
				}
			}
		case float64:
			if value > 1e12 {
				return time.UnixMilli(int64(value))
			}
			return time.Unix(int64(value), 0)
		}
	}
	return time.Time{}
}
