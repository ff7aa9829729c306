// ABOUTME: Converts typed backend responses into canonical reply events
// ABOUTME: Events carry role-tagged fragments; end of turn is the literal [DONE] sentinel

package normalize

import (
	"errors"
	"fmt"
	"io"

	"github.com/2389/coursechat-gateway/internal/backend"
)

// DoneSentinel is the assistant content that marks the end of a streamed turn.
// It is never part of assembled content.
const DoneSentinel = "[DONE]"

// Fragment roles
const (
	RoleTool      = "tool"
	RoleAssistant = "assistant"
)

// Fragment is one role-tagged piece of an event. Tool fragments are whole;
// assistant fragments are appended to a running buffer.
type Fragment struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is one backend-agnostic increment of reply output.
type Event struct {
	ID      string
	Model   string
	Created int64
	Object  string

	Fragments []Fragment

	// Error is a backend-reported error forwarded as is. Events with an error carry no fragments.
	Error string

	// Dialogue holds the bot session handles for dialogue replies.
	Dialogue *backend.DialogueSession

	// RequestID is the backend correlation header, when present.
	RequestID string
}

// Sequence is a finite, non-restartable series of events. Next returns
// io.EOF when exhausted. Close releases any live connection and is safe to
// call more than once.
type Sequence interface {
	Next() (Event, error)
	Close() error
}

// Normalize maps a validated backend response to its event sequence.
func Normalize(resp backend.Response) (Sequence, error) {
	switch r := resp.(type) {
	case *backend.SingleShot:
		return &sliceSequence{events: []Event{fromSingleShot(r)}}, nil
	case *backend.DeltaStream:
		return &streamSequence{stream: r}, nil
	case *backend.ActivityReply:
		return &sliceSequence{events: []Event{fromActivity(r)}}, nil
	case nil:
		return nil, errors.New("normalize: nil response")
	default:
		return nil, fmt.Errorf("normalize: unsupported response %T", resp)
	}
}

func fromSingleShot(r *backend.SingleShot) Event {
	ev := Event{ID: r.ID, Model: r.Model, Created: r.Created, Object: r.Object}
	if r.HasGrounding {
		ev.Fragments = append(ev.Fragments, Fragment{Role: RoleTool, Content: r.Grounding})
	}
	ev.Fragments = append(ev.Fragments, Fragment{Role: RoleAssistant, Content: r.Content})
	return ev
}

func fromActivity(r *backend.ActivityReply) Event {
	session := r.Session
	return Event{
		ID:        r.ID,
		Created:   r.Timestamp,
		Object:    "activity",
		Fragments: []Fragment{{Role: RoleAssistant, Content: r.Text}},
		Dialogue:  &session,
	}
}

// FromDelta maps one stream delta to an event.
func FromDelta(d backend.Delta) Event {
	ev := Event{ID: d.ID, Model: d.Model, Created: d.Created, Object: d.Object}
	switch d.Kind {
	case backend.DeltaTool:
		ev.Fragments = []Fragment{{Role: RoleTool, Content: d.Content}}
	case backend.DeltaTurnStart:
		ev.Fragments = []Fragment{{Role: RoleAssistant, Content: ""}}
	case backend.DeltaEnd:
		ev.Fragments = []Fragment{{Role: RoleAssistant, Content: DoneSentinel}}
	case backend.DeltaError:
		ev.Error = d.Error
	default:
		ev.Fragments = []Fragment{{Role: RoleAssistant, Content: d.Content}}
	}
	return ev
}

type sliceSequence struct {
	events []Event
	pos    int
}

func (s *sliceSequence) Next() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceSequence) Close() error {
	s.pos = len(s.events)
	return nil
}

type streamSequence struct {
	stream *backend.DeltaStream
	closed bool
}

func (s *streamSequence) Next() (Event, error) {
	d, err := s.stream.Next()
	if err != nil {
		return Event{}, err
	}
	ev := FromDelta(d)
	ev.RequestID = s.stream.RequestID
	return ev, nil
}

func (s *streamSequence) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}
