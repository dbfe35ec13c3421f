// Package codec decodes and encodes the FlyBook wire payloads: an outer
// envelope carrying message routing metadata plus an inner content string
// whose JSON shape depends on the message type. Some server revisions
// JSON-encode the inner content twice, so decoding retries through a
// string-literal layer before giving up; content that matches no known shape
// is kept as plain text rather than dropped.
package codec

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type codes on the wire.
const (
	TypeText  = 1
	TypeImage = 2
	TypeVideo = 3
	TypeCard  = 5
)

// Envelope is the outer push payload. Unknown extra fields are ignored for
// forward compatibility.
type Envelope struct {
	MsgType        int    `json:"msgType"`
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
	CreatedTime    int64  `json:"createdTime"`
}

// TextContent is the inner shape for type 1.
type TextContent struct {
	Text string `json:"text"`
}

// ImageContent is the inner shape for type 2. Base64 carries a data URL.
type ImageContent struct {
	Base64 string `json:"base64"`
}

// VideoContent is the inner shape for type 3.
type VideoContent struct {
	Link string `json:"link"`
}

// TodoCard is the inner shape for type 5: a shared to-do task card.
type TodoCard struct {
	TaskID   int64  `json:"taskId"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Deadline string `json:"deadline"`
	TodoType string `json:"todoType"`
}

// Content is the canonical decoded payload: Text for plain text, Raw for the
// normalized inner JSON of the other types. Degraded content keeps the wire
// type with only Text set. This is what gets cached; the double-encoded wire
// form never reaches the store.
type Content struct {
	Type int
	Text string
	Raw  string
}

// Body returns the string to persist for this content.
func (c Content) Body() string {
	if c.Raw != "" {
		return c.Raw
	}
	return c.Text
}

// DecodeEnvelope parses an outer push payload.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.MessageID == 0 || env.ConversationID == 0 {
		return nil, fmt.Errorf("decode envelope: missing message or conversation id")
	}
	return &env, nil
}

// DecodeContent parses the inner content string for the given message type.
// It never fails: content that matches neither the expected shape nor its
// double-encoded form degrades to a plain text body under the wire type,
// preserving partial information over dropping the message.
func DecodeContent(msgType int, content string) Content {
	switch msgType {
	case TypeImage:
		if raw, ok := normalize(content, probeImage); ok {
			return Content{Type: TypeImage, Raw: raw}
		}
		return Content{Type: TypeImage, Text: content}
	case TypeVideo:
		if raw, ok := normalize(content, probeVideo); ok {
			return Content{Type: TypeVideo, Raw: raw}
		}
		return Content{Type: TypeVideo, Text: content}
	case TypeCard:
		if raw, ok := normalize(content, probeCard); ok {
			return Content{Type: TypeCard, Raw: raw}
		}
		return Content{Type: TypeCard, Text: content}
	default:
		// Type 1 and anything unrecognized.
		if text, ok := decodeText([]byte(content)); ok {
			return Content{Type: TypeText, Text: text}
		}
		var inner string
		if err := json.Unmarshal([]byte(content), &inner); err == nil {
			if text, ok := decodeText([]byte(inner)); ok {
				return Content{Type: TypeText, Text: text}
			}
		}
	}
	return Content{Type: TypeText, Text: content}
}

// DecodeCard parses a type-5 canonical content into its card structure.
func DecodeCard(raw string) (TodoCard, error) {
	var card TodoCard
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		return TodoCard{}, fmt.Errorf("decode todo card: %w", err)
	}
	return card, nil
}

// normalize returns the canonical inner JSON for content, unwrapping one
// layer of string-literal encoding when necessary.
func normalize(content string, probe func([]byte) bool) (string, bool) {
	if probe([]byte(content)) {
		return content, true
	}
	var inner string
	if err := json.Unmarshal([]byte(content), &inner); err == nil && probe([]byte(inner)) {
		return inner, true
	}
	return "", false
}

func decodeText(b []byte) (string, bool) {
	var tc struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(b, &tc); err != nil || tc.Text == nil {
		return "", false
	}
	return *tc.Text, true
}

func probeImage(b []byte) bool {
	var ic struct {
		Base64 *string `json:"base64"`
	}
	return json.Unmarshal(b, &ic) == nil && ic.Base64 != nil
}

func probeVideo(b []byte) bool {
	var vc struct {
		Link *string `json:"link"`
	}
	return json.Unmarshal(b, &vc) == nil && vc.Link != nil
}

func probeCard(b []byte) bool {
	var cc struct {
		Title *string `json:"title"`
	}
	return json.Unmarshal(b, &cc) == nil && cc.Title != nil
}

// EncodeText builds outbound type-1 content.
func EncodeText(text string) string {
	return mustMarshal(TextContent{Text: text})
}

// EncodeImage builds outbound type-2 content from a base64 data URL.
func EncodeImage(base64 string) string {
	return mustMarshal(ImageContent{Base64: base64})
}

// EncodeVideo builds outbound type-3 content.
func EncodeVideo(link string) string {
	return mustMarshal(VideoContent{Link: link})
}

// EncodeCard builds outbound type-5 content.
func EncodeCard(card TodoCard) string {
	return mustMarshal(card)
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with non-serializable values, which none of the
		// content structs contain.
		panic(err)
	}
	return string(b)
}

// Preview renders the conversation-list summary label for a content.
func Preview(c Content) string {
	switch c.Type {
	case TypeImage:
		return "[image]"
	case TypeVideo:
		return "[video]"
	case TypeCard:
		return "[todo]"
	default:
		return c.Text
	}
}

// ServerTimeLayout is the createdTime format used by the history endpoint.
// Push envelopes carry unix milliseconds instead.
const ServerTimeLayout = "2006-01-02T15:04:05"

// ParseServerTime parses a history createdTime into unix milliseconds.
func ParseServerTime(s string) (int64, bool) {
	t, err := time.ParseInLocation(ServerTimeLayout, s, time.Local)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// Clock formats a timestamp in unix milliseconds as the HH:MM display string
// shown next to each message.
func Clock(ms int64) string {
	return time.UnixMilli(ms).Format("15:04")
}
