// ABOUTME: Folds canonical events into growing reply snapshots
// ABOUTME: Builds the wire envelope forwarded to callers after every event

package normalize

import "strings"

// HistoryMetadata links a reply to a stored conversation.
type HistoryMetadata struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Date           string `json:"date,omitempty"`
}

// Choice holds the fragments of one reply.
type Choice struct {
	Messages []Fragment `json:"messages"`
}

// Envelope is the reply object sent to callers: one per line when streaming,
// a single object otherwise.
type Envelope struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Object  string   `json:"object"`
	Choices []Choice `json:"choices"`

	HistoryMetadata HistoryMetadata `json:"history_metadata"`
	RequestID       string          `json:"apim-request-id,omitempty"`

	DirectLineToken        string `json:"directline_token,omitempty"`
	DirectLineConversation string `json:"directline_conversation,omitempty"`
	DirectLineWatermark    string `json:"directline_watermark,omitempty"`

	Error string `json:"error,omitempty"`
}

type snapshot struct {
	tool      *Fragment
	assistant strings.Builder
	started   bool
	last      Event
}

// Accumulator keeps one running assistant buffer per correlation id.
// It is not safe for concurrent use; each turn owns one.
type Accumulator struct {
	meta      HistoryMetadata
	snapshots map[string]*snapshot
	latest    string
}

// NewAccumulator creates an accumulator whose envelopes carry meta.
func NewAccumulator(meta HistoryMetadata) *Accumulator {
	return &Accumulator{meta: meta, snapshots: make(map[string]*snapshot)}
}

// Apply folds ev into its snapshot and returns the envelope to forward.
// Error events are forwarded as is and leave snapshots untouched.
func (a *Accumulator) Apply(ev Event) Envelope {
	if ev.Error != "" {
		return Envelope{
			ID:              ev.ID,
			Model:           ev.Model,
			Created:         ev.Created,
			Object:          ev.Object,
			Choices:         []Choice{{Messages: []Fragment{}}},
			HistoryMetadata: a.meta,
			RequestID:       ev.RequestID,
			Error:           ev.Error,
		}
	}

	snap, ok := a.snapshots[ev.ID]
	if !ok {
		snap = &snapshot{}
		a.snapshots[ev.ID] = snap
	}
	a.latest = ev.ID

	for _, f := range ev.Fragments {
		switch f.Role {
		case RoleTool:
			tool := f
			snap.tool = &tool
		default:
			snap.started = true
			if f.Content != DoneSentinel {
				snap.assistant.WriteString(f.Content)
			}
		}
	}

	prevDialogue := snap.last.Dialogue
	snap.last = ev
	if snap.last.Dialogue == nil {
		snap.last.Dialogue = prevDialogue
	}
	return a.envelope(snap)
}

// Content returns the assembled assistant text for a correlation id.
func (a *Accumulator) Content(id string) string {
	if snap, ok := a.snapshots[id]; ok {
		return snap.assistant.String()
	}
	return ""
}

// Final returns the snapshot of the most recently updated correlation id,
// or false when no event has been applied.
func (a *Accumulator) Final() (Envelope, bool) {
	snap, ok := a.snapshots[a.latest]
	if !ok {
		return Envelope{}, false
	}
	return a.envelope(snap), true
}

func (a *Accumulator) envelope(snap *snapshot) Envelope {
	messages := make([]Fragment, 0, 2)
	if snap.tool != nil {
		messages = append(messages, *snap.tool)
	}
	if snap.started {
		messages = append(messages, Fragment{Role: RoleAssistant, Content: snap.assistant.String()})
	}

	ev := snap.last
	env := Envelope{
		ID:              ev.ID,
		Model:           ev.Model,
		Created:         ev.Created,
		Object:          ev.Object,
		Choices:         []Choice{{Messages: messages}},
		HistoryMetadata: a.meta,
		RequestID:       ev.RequestID,
	}
	if d := ev.Dialogue; d != nil {
		env.DirectLineToken = d.Token
		env.DirectLineConversation = d.Conversation
		env.DirectLineWatermark = d.Watermark
	}
	return env
}
