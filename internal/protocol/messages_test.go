package protocol

import (
	"errors"
	"testing"
)

func TestParseClientUtterance(t *testing.T) {
	raw := []byte(`{"type":"client_utterance","session_id":"s1","persona_id":"narrator","audio_base64":"b3B1cw=="}`)
	got, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg, ok := got.(ClientUtterance)
	if !ok {
		t.Fatalf("got %T, want ClientUtterance", got)
	}
	if msg.SessionID != "s1" || msg.PersonaID != "narrator" || msg.AudioBase64 != "b3B1cw==" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestParseClientControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"cancel_turn"}`)
	got, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg, ok := got.(ClientControl)
	if !ok || msg.Action != ControlCancelTurn {
		t.Fatalf("got %T %+v", got, got)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad json":       `{"type":`,
		"unknown type":   `{"type":"telemetry"}`,
		"missing audio":  `{"type":"client_utterance","session_id":"s1"}`,
		"missing action": `{"type":"client_control","session_id":"s1"}`,
		"server-sent":    `{"type":"reply_delta","text_delta":"hi"}`,
	}
	for name, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("%s: parse succeeded", name)
		}
	}
}

func TestParseUnsupportedTypeSentinel(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"turn_end"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}
