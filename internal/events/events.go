package events

import (
	"encoding/json"
	"time"
)

// Engine event types published on the hub.
const (
	TypeSessionCreated   = "session_created"
	TypeSessionPaused    = "session_paused"
	TypeSessionResumed   = "session_resumed"
	TypeSessionFinished  = "session_finished"
	TypeSessionRecovered = "session_recovered"
	TypeTaskResult       = "task_result"
	TypeDomainBlocked    = "domain_blocked"
	TypeConfirmation     = "confirmation_received"
)

type Event struct {
	Type      string          `json:"type"`
	Version   int             `json:"v"`
	At        time.Time       `json:"at"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func Make(sessionID, typ string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		Type:      typ,
		Version:   1,
		At:        time.Now().UTC(),
		SessionID: sessionID,
		Data:      raw,
	}
}

func (e Event) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}
