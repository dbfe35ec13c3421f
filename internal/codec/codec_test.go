package codec

import (
	"strings"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"msgType":1,"messageId":42,"conversationId":7,"senderId":1001,"content":"{\"text\":\"hi\"}","createdTime":1760000000000}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.MessageID != 42 || env.ConversationID != 7 || env.SenderID != 1001 {
		t.Errorf("envelope = %+v", env)
	}
	if env.MsgType != TypeText {
		t.Errorf("msgType = %d, want %d", env.MsgType, TypeText)
	}
}

// Extra fields from newer server revisions must not break decoding.
func TestDecodeEnvelopeIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"msgType":1,"messageId":1,"conversationId":2,"senderId":3,"content":"x","createdTime":0,"seq":9,"future":"field"}`)
	if _, err := DecodeEnvelope(raw); err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"not json", `{"msgType":1}`} {
		if _, err := DecodeEnvelope([]byte(raw)); err == nil {
			t.Errorf("DecodeEnvelope(%q) expected error", raw)
		}
	}
}

func TestDecodeContentText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"single-encoded", `{"text":"hi"}`, "hi"},
		{"double-encoded", `"{\"text\":\"hi\"}"`, "hi"},
		{"plain text fallback", "not json", "not json"},
		{"object without text key", `{"txet":"hi"}`, `{"txet":"hi"}`},
		{"empty text", `{"text":""}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DecodeContent(TypeText, tt.content)
			if c.Type != TypeText {
				t.Errorf("type = %d, want text", c.Type)
			}
			if c.Text != tt.want {
				t.Errorf("text = %q, want %q", c.Text, tt.want)
			}
		})
	}
}

func TestDecodeContentImage(t *testing.T) {
	c := DecodeContent(TypeImage, `{"base64":"data:image/jpeg;base64,AAAA"}`)
	if c.Type != TypeImage {
		t.Fatalf("type = %d, want image", c.Type)
	}
	if !strings.Contains(c.Raw, "data:image/jpeg") {
		t.Errorf("raw = %q", c.Raw)
	}
	if c.Body() != c.Raw {
		t.Errorf("Body() = %q, want raw JSON", c.Body())
	}
}

func TestDecodeContentImageDoubleEncoded(t *testing.T) {
	c := DecodeContent(TypeImage, `"{\"base64\":\"data:x\"}"`)
	if c.Type != TypeImage {
		t.Fatalf("type = %d, want image", c.Type)
	}
	if c.Raw != `{"base64":"data:x"}` {
		t.Errorf("raw = %q, want unwrapped inner JSON", c.Raw)
	}
}

// A broken image payload degrades to a plain text body but keeps the wire
// type, so the cached row still says what the message was.
func TestDecodeContentShapeMismatchKeepsWireType(t *testing.T) {
	c := DecodeContent(TypeImage, "garbled")
	if c.Type != TypeImage || c.Text != "garbled" {
		t.Errorf("got %+v, want degraded image content", c)
	}
	if c.Body() != "garbled" {
		t.Errorf("Body() = %q, want garbled", c.Body())
	}
	if got := Preview(c); got != "[image]" {
		t.Errorf("Preview = %q, want [image]", got)
	}
}

func TestDecodeContentBrokenCardKeepsWireType(t *testing.T) {
	c := DecodeContent(TypeCard, `{"unexpected":true}`)
	if c.Type != TypeCard || c.Text != `{"unexpected":true}` {
		t.Errorf("got %+v, want degraded card content", c)
	}
}

func TestDecodeContentUnknownType(t *testing.T) {
	c := DecodeContent(99, `{"text":"future"}`)
	if c.Type != TypeText || c.Text != "future" {
		t.Errorf("got %+v, want text decode for unknown type", c)
	}
}

func TestCardRoundTrip(t *testing.T) {
	card := TodoCard{TaskID: 3, Title: "weekly report", Content: "finish it", Deadline: "2025-12-03", TodoType: "FILE"}
	encoded := EncodeCard(card)

	c := DecodeContent(TypeCard, encoded)
	if c.Type != TypeCard {
		t.Fatalf("type = %d, want card", c.Type)
	}
	decoded, err := DecodeCard(c.Raw)
	if err != nil {
		t.Fatalf("DecodeCard() error = %v", err)
	}
	if decoded != card {
		t.Errorf("card = %+v, want %+v", decoded, card)
	}
}

func TestEncodeTextDecodes(t *testing.T) {
	c := DecodeContent(TypeText, EncodeText("hello"))
	if c.Text != "hello" {
		t.Errorf("text = %q, want hello", c.Text)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		c    Content
		want string
	}{
		{Content{Type: TypeText, Text: "hi"}, "hi"},
		{Content{Type: TypeImage, Raw: "{}"}, "[image]"},
		{Content{Type: TypeVideo, Raw: "{}"}, "[video]"},
		{Content{Type: TypeCard, Raw: "{}"}, "[todo]"},
	}
	for _, tt := range tests {
		if got := Preview(tt.c); got != tt.want {
			t.Errorf("Preview(type %d) = %q, want %q", tt.c.Type, got, tt.want)
		}
	}
}

func TestParseServerTime(t *testing.T) {
	ms, ok := ParseServerTime("2025-12-01T14:30:05")
	if !ok {
		t.Fatal("ParseServerTime() ok = false")
	}
	if Clock(ms) != "14:30" {
		t.Errorf("Clock() = %q, want 14:30", Clock(ms))
	}

	if _, ok := ParseServerTime("yesterday"); ok {
		t.Error("ParseServerTime(yesterday) ok = true")
	}
}
