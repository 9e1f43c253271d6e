// Package protocol defines the signaling envelope shared by the UDP, TCP and
// WebSocket listeners. Every wire message is a closed tagged variant: one
// type tag, exactly one body, dispatched through an explicit switch.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
)

// ErrMalformed covers every parse or validation failure on untrusted input.
// Callers drop the message and rate-limit the log line.
var ErrMalformed = errors.New("malformed message")

type Kind string

const (
	// Client -> server.
	KindRegister   Kind = "register"
	KindKeepAlive  Kind = "keepAlive"
	KindConnect    Kind = "connect"
	KindProbeAck   Kind = "probeAck"
	KindRelayClaim Kind = "relayClaim"

	// Server -> client.
	KindRegisterAck   Kind = "registerAck"
	KindKeepAliveAck  Kind = "keepAliveAck"
	KindConnectResult Kind = "connectResult"
	KindPunch         Kind = "punch"
	KindClaimAck      Kind = "claimAck"
	KindError         Kind = "err"
)

// Candidate is one reachable address a peer may be probed on, most
// NAT-friendly first (observed public mapping before locals).
type Candidate struct {
	Addr   string `json:"addr"`
	Source string `json:"source"` // "observed" or "local"
}

type Register struct {
	ID      string `json:"id"`
	PK      []byte `json:"pk,omitempty"`
	Addr    string `json:"addr,omitempty"`
	NATType string `json:"natType,omitempty"`
}

type KeepAlive struct {
	ID string `json:"id"`
	TS int64  `json:"ts"` // client logical timestamp, resolves reordering
}

type Connect struct {
	ID        string `json:"id"`
	Target    string `json:"target"`
	UserToken string `json:"userToken,omitempty"`
}

type ProbeAck struct {
	ID string `json:"id"`
}

type RelayClaim struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

type RegisterAck struct {
	Result string `json:"result"` // "ok" or a rejection reason
	PK     string `json:"pk,omitempty"`
}

type Ack struct {
	Result string `json:"result"`
}

type RelayGrant struct {
	Token      string `json:"token"`
	Endpoint   string `json:"endpoint"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type ConnectResult struct {
	State      string      `json:"state"` // "direct", "relayed" or "failed"
	Candidates []Candidate `json:"candidates,omitempty"`
	Relay      *RelayGrant `json:"relay,omitempty"`
}

// Punch instructs its recipient to start probing the peer's candidates
// immediately so both NAT mappings open at the same time.
type Punch struct {
	Peer       string      `json:"peer"`
	Candidates []Candidate `json:"candidates"`
	Relay      *RelayGrant `json:"relay,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the envelope. Exactly one body field matches Type; Secret is
// validated by the key validator before any other processing.
type Message struct {
	Type   Kind   `json:"type"`
	CorrID string `json:"corrId,omitempty"`
	Secret string `json:"secret,omitempty"`

	Register   *Register   `json:"register,omitempty"`
	KeepAlive  *KeepAlive  `json:"keepAlive,omitempty"`
	Connect    *Connect    `json:"connect,omitempty"`
	ProbeAck   *ProbeAck   `json:"probeAck,omitempty"`
	RelayClaim *RelayClaim `json:"relayClaim,omitempty"`

	RegisterAck   *RegisterAck   `json:"registerAck,omitempty"`
	KeepAliveAck  *Ack           `json:"keepAliveAck,omitempty"`
	ConnectResult *ConnectResult `json:"connectResult,omitempty"`
	Punch         *Punch         `json:"punch,omitempty"`
	ClaimAck      *Ack           `json:"claimAck,omitempty"`
	Err           *ErrorBody     `json:"err,omitempty"`
}

// Parse decodes and validates a single wire message. Unknown fields,
// trailing data and mismatched bodies all degrade to ErrMalformed.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (m Message) Validate() error {
	if err := m.validateBody(); err != nil {
		return err
	}
	switch m.Type {
	case KindRegister:
		r := m.Register
		// A device may register by public key alone; the server derives
		// its id from the key fingerprint.
		if r.ID == "" && len(r.PK) == 0 {
			return fmt.Errorf("%w: register missing id and pk", ErrMalformed)
		}
		if _, err := natcheck.ParseNATType(r.NATType); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case KindKeepAlive:
		if m.KeepAlive.ID == "" {
			return fmt.Errorf("%w: keepAlive missing id", ErrMalformed)
		}
	case KindConnect:
		c := m.Connect
		if c.ID == "" || c.Target == "" {
			return fmt.Errorf("%w: connect missing ids", ErrMalformed)
		}
		if c.ID == c.Target {
			return fmt.Errorf("%w: connect to self", ErrMalformed)
		}
	case KindProbeAck:
		if m.ProbeAck.ID == "" || m.CorrID == "" {
			return fmt.Errorf("%w: probeAck missing id/corrId", ErrMalformed)
		}
	case KindRelayClaim:
		rc := m.RelayClaim
		if rc.Token == "" || rc.ID == "" {
			return fmt.Errorf("%w: relayClaim missing token/id", ErrMalformed)
		}
	case KindRegisterAck:
		if m.RegisterAck.Result == "" {
			return fmt.Errorf("%w: registerAck missing result", ErrMalformed)
		}
	case KindKeepAliveAck:
		if m.KeepAliveAck.Result == "" {
			return fmt.Errorf("%w: keepAliveAck missing result", ErrMalformed)
		}
	case KindConnectResult:
		cr := m.ConnectResult
		switch cr.State {
		case "direct", "relayed", "failed":
		default:
			return fmt.Errorf("%w: connectResult state %q", ErrMalformed, cr.State)
		}
	case KindPunch:
		p := m.Punch
		if p.Peer == "" {
			return fmt.Errorf("%w: punch missing peer", ErrMalformed)
		}
		// Either probe candidates (direct attempt) or a relay grant
		// (relay handoff); an empty punch instructs nothing.
		if len(p.Candidates) == 0 && p.Relay == nil {
			return fmt.Errorf("%w: punch missing candidates and relay", ErrMalformed)
		}
	case KindClaimAck:
		if m.ClaimAck.Result == "" {
			return fmt.Errorf("%w: claimAck missing result", ErrMalformed)
		}
	case KindError:
		if m.Err.Code == "" || m.Err.Message == "" {
			return fmt.Errorf("%w: err missing code/message", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrMalformed, m.Type)
	}
	return nil
}

// validateBody checks that exactly the body matching Type is present.
func (m Message) validateBody() error {
	bodies := map[Kind]bool{
		KindRegister:      m.Register != nil,
		KindKeepAlive:     m.KeepAlive != nil,
		KindConnect:       m.Connect != nil,
		KindProbeAck:      m.ProbeAck != nil,
		KindRelayClaim:    m.RelayClaim != nil,
		KindRegisterAck:   m.RegisterAck != nil,
		KindKeepAliveAck:  m.KeepAliveAck != nil,
		KindConnectResult: m.ConnectResult != nil,
		KindPunch:         m.Punch != nil,
		KindClaimAck:      m.ClaimAck != nil,
		KindError:         m.Err != nil,
	}
	want, known := bodies[m.Type]
	if !known {
		return fmt.Errorf("%w: unsupported type %q", ErrMalformed, m.Type)
	}
	if !want {
		return fmt.Errorf("%w: %s missing body", ErrMalformed, m.Type)
	}
	for kind, present := range bodies {
		if present && kind != m.Type {
			return fmt.Errorf("%w: %s has unexpected %s body", ErrMalformed, m.Type, kind)
		}
	}
	return nil
}
