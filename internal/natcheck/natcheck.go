// Package natcheck classifies endpoint NAT behavior and serves the NAT-test
// port: a STUN binding responder clients probe to learn their observed
// public address on a second mapping.
package natcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/stun/v3"
)

// NATType is the wire and registry classification of a device's NAT.
type NATType string

const (
	NATUnknown        NATType = "unknown"
	NATOpen           NATType = "open"
	NATFullCone       NATType = "full_cone"
	NATRestrictedCone NATType = "restricted_cone"
	NATSymmetric      NATType = "symmetric"
)

var ErrBadNATType = errors.New("bad nat type")

// ParseNATType validates a client-reported classification.
func ParseNATType(s string) (NATType, error) {
	switch NATType(s) {
	case NATUnknown, NATOpen, NATFullCone, NATRestrictedCone, NATSymmetric:
		return NATType(s), nil
	case "":
		return NATUnknown, nil
	default:
		return NATUnknown, fmt.Errorf("%w: %q", ErrBadNATType, s)
	}
}

// TraversalLikely reports whether a direct path between the two
// classifications is worth attempting. Symmetric on either side defeats
// simultaneous hole punching, so the rendezvous handler goes straight to
// relay.
func TraversalLikely(a, b NATType) bool {
	return a != NATSymmetric && b != NATSymmetric
}

// Classify infers symmetric vs cone behavior from mapped addresses observed
// across distinct server ports. Differing mappings mean the NAT allocates a
// new binding per destination.
func Classify(mapped []string) NATType {
	if len(mapped) < 2 {
		return NATUnknown
	}
	first := mapped[0]
	for _, addr := range mapped[1:] {
		if addr != first {
			return NATSymmetric
		}
	}
	return NATRestrictedCone
}

// Responder answers STUN binding requests on the NAT-test port. Anything
// that does not parse as STUN is dropped.
type Responder struct {
	log  *slog.Logger
	conn net.PacketConn
}

func NewResponder(conn net.PacketConn, log *slog.Logger) *Responder {
	return &Responder{log: log, conn: conn}
}

func (r *Responder) Addr() net.Addr { return r.conn.LocalAddr() }

// Serve reads binding requests until ctx is cancelled or the socket fails.
func (r *Responder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("nat-test read: %w", err)
		}

		resp, err := bindingResponse(buf[:n], src)
		if err != nil {
			continue
		}
		if _, err := r.conn.WriteTo(resp, src); err != nil && ctx.Err() == nil {
			r.log.Debug("nat-test write failed", "peer", src.String(), "err", err)
		}
	}
}

func bindingResponse(pkt []byte, src net.Addr) ([]byte, error) {
	if !stun.IsMessage(pkt) {
		return nil, errors.New("not a stun message")
	}
	req := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := req.Decode(); err != nil {
		return nil, err
	}
	if req.Type != stun.BindingRequest {
		return nil, errors.New("not a binding request")
	}

	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return nil, errors.New("non-udp source")
	}

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
		stun.Fingerprint,
	)
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}
