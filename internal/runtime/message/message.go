// Package message defines the wire vocabulary exchanged between two
// endpoints. A message is a JSON object whose kind is decided by which fields
// are present; several messages may travel together as a JSON array.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
)

// Message is the union of every shape on the wire:
//
//	call         {id?, path, body?}
//	stream call  {id, stream, body?}
//	sub call     {id, sub, body?}
//	cancel       {cancel: id}
//	unsubscribe  {unsub: topic}
//	response     {id, body?, error?, done?}
//	topic event  {topic, body?, id?}
type Message struct {
	ID     *uint64         `json:"id,omitempty"`
	Path   string          `json:"path,omitempty"`
	Stream string          `json:"stream,omitempty"`
	Sub    string          `json:"sub,omitempty"`
	Cancel *uint64         `json:"cancel,omitempty"`
	Unsub  string          `json:"unsub,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
	Done   bool            `json:"done,omitempty"`
}

// Kind names the shape of a message for logs, metrics and spans.
type Kind string

const (
	KindCall        Kind = "call"
	KindStream      Kind = "stream"
	KindSubscribe   Kind = "sub"
	KindCancel      Kind = "cancel"
	KindUnsubscribe Kind = "unsub"
	KindEvent       Kind = "topic"
	KindResponse    Kind = "response"
	KindUnknown     Kind = "unknown"
)

// Kind follows the same precedence the dispatcher uses.
func (m *Message) Kind() Kind {
	switch {
	case m.Path != "":
		return KindCall
	case m.Stream != "":
		return KindStream
	case m.Cancel != nil:
		return KindCancel
	case m.Sub != "":
		return KindSubscribe
	case m.Unsub != "":
		return KindUnsubscribe
	case m.Topic != "":
		return KindEvent
	case m.ID != nil:
		return KindResponse
	default:
		return KindUnknown
	}
}

// HasID reports whether the message carries a correlation id.
func (m *Message) HasID() bool { return m.ID != nil }

// HasBody reports whether the message carries a non-null body.
func (m *Message) HasBody() bool { return !jsoncodec.IsNull(m.Body) }

// IDValue returns the correlation id, or zero when absent.
func (m *Message) IDValue() uint64 {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

func (m *Message) String() string {
	data, err := jsoncodec.Marshal(m)
	if err != nil {
		return fmt.Sprintf("message(%s)", m.Kind())
	}
	return string(data)
}

// ID returns a pointer usable as the id or cancel field.
func ID(id uint64) *uint64 { return &id }

// NewCall builds a call. A nil id makes it a notification.
func NewCall(id *uint64, path string, body json.RawMessage) *Message {
	return &Message{ID: id, Path: path, Body: body}
}

// NewStreamCall builds a stream request.
func NewStreamCall(id uint64, stream string, body json.RawMessage) *Message {
	return &Message{ID: ID(id), Stream: stream, Body: body}
}

// NewSubCall builds a subscription request.
func NewSubCall(id uint64, sub string, body json.RawMessage) *Message {
	return &Message{ID: ID(id), Sub: sub, Body: body}
}

// NewCancel asks the remote side to stop the stream or call with this id.
func NewCancel(id uint64) *Message {
	return &Message{Cancel: ID(id)}
}

// NewUnsubscribe drops the connection's interest in a topic.
func NewUnsubscribe(topic string) *Message {
	return &Message{Unsub: topic}
}

// NewEvent builds a topic event.
func NewEvent(topic string, body json.RawMessage) *Message {
	return &Message{Topic: topic, Body: body}
}

// NewResponse builds a successful response.
func NewResponse(id uint64, body json.RawMessage) *Message {
	return &Message{ID: ID(id), Body: body}
}

// NewError builds a failed response.
func NewError(id uint64, errText string) *Message {
	return &Message{ID: ID(id), Error: errText}
}

// NewDone terminates a stream.
func NewDone(id uint64) *Message {
	return &Message{ID: ID(id), Done: true}
}

// Decode parses one frame, which holds either a single message or a batch.
func Decode(data []byte) ([]*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode message: empty frame")
	}
	if trimmed[0] == '[' {
		var batch []*Message
		if err := jsoncodec.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("decode message batch: %w", err)
		}
		out := batch[:0]
		for _, msg := range batch {
			if msg != nil {
				out = append(out, msg)
			}
		}
		return out, nil
	}
	var msg Message
	if err := jsoncodec.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []*Message{&msg}, nil
}

// Encode serialises a single message into one frame.
func Encode(msg *Message) ([]byte, error) {
	return jsoncodec.Marshal(msg)
}

// EncodeBatch serialises several messages into one array frame.
func EncodeBatch(msgs []*Message) ([]byte, error) {
	if msgs == nil {
		msgs = []*Message{}
	}
	return jsoncodec.Marshal(msgs)
}
