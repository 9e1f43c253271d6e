package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParse_ValidRegister(t *testing.T) {
	raw := []byte(`{"type":"register","secret":"k","register":{"id":"device1","addr":"1.2.3.4:5000","natType":"open"}}`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Type != KindRegister || msg.Register.ID != "device1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `garbage`},
		{"unknown field", `{"type":"keepAlive","nope":1,"keepAlive":{"id":"device1","ts":1}}`},
		{"trailing data", `{"type":"keepAlive","keepAlive":{"id":"device1","ts":1}}{}`},
		{"unknown type", `{"type":"blast"}`},
		{"missing body", `{"type":"register"}`},
		{"wrong body", `{"type":"register","keepAlive":{"id":"device1","ts":1}}`},
		{"two bodies", `{"type":"register","register":{"id":"device1"},"keepAlive":{"id":"device1","ts":1}}`},
		{"connect to self", `{"type":"connect","connect":{"id":"device1","target":"device1"}}`},
		{"bad nat type", `{"type":"register","register":{"id":"device1","natType":"wat"}}`},
		{"register no id or pk", `{"type":"register","register":{"addr":"1.2.3.4:5000"}}`},
		{"punch no candidates or relay", `{"type":"punch","punch":{"peer":"device1"}}`},
		{"probeAck no corr", `{"type":"probeAck","probeAck":{"id":"device1"}}`},
		{"bad result state", `{"type":"connectResult","connectResult":{"state":"maybe"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Parse(%s) err = %v, want ErrMalformed", tt.raw, err)
			}
		})
	}
}

func TestParse_RegisterByPublicKeyAlone(t *testing.T) {
	raw := []byte(`{"type":"register","register":{"pk":"AQIDBA=="}}`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Register.ID != "" || len(msg.Register.PK) != 4 {
		t.Fatalf("unexpected register body: %+v", msg.Register)
	}
}

func TestEncode_PunchWithRelayGrantOnly(t *testing.T) {
	msg := Message{
		Type:   KindPunch,
		CorrID: "c-1",
		Punch: &Punch{
			Peer:  "device1",
			Relay: &RelayGrant{Token: "tok", Endpoint: "relay:21117", TTLSeconds: 30},
		},
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Parse(data); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestEncodeParse_RoundTripConnectResult(t *testing.T) {
	in := Message{
		Type:   KindConnectResult,
		CorrID: "c-1",
		ConnectResult: &ConnectResult{
			State: "relayed",
			Relay: &RelayGrant{Token: "tok", Endpoint: "relay:21117", TTLSeconds: 30},
		},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.ConnectResult.Relay.Token != "tok" || out.CorrID != "c-1" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Message{Type: KindKeepAlive, KeepAlive: &KeepAlive{ID: "device1", TS: 42}}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.KeepAlive.TS != 42 {
		t.Fatalf("frame round trip mismatch: %+v", out)
	}
}

func TestReadFrame_Oversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for oversized frame, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10})
	buf.WriteString("short")
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for truncated frame, got %v", err)
	}
}

func TestReadFrame_EOFPassthrough(t *testing.T) {
	if _, err := ReadFrame(strings.NewReader("")); err == nil || errors.Is(err, ErrMalformed) {
		t.Fatalf("clean EOF must not be malformed, got %v", err)
	}
}
