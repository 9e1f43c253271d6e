package rendezvous

import (
	"context"
	"errors"

	"github.com/ljhlovehui/rustdesk-server/internal/audit"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
	"github.com/ljhlovehui/rustdesk-server/internal/registry"
	"github.com/ljhlovehui/rustdesk-server/internal/traversal"
)

// Connection request states.
type requestState int

const (
	statePending requestState = iota
	stateDirectAttempted
	stateRelayed
	stateFailed
	stateClosed
)

func (s requestState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateDirectAttempted:
		return "direct_attempted"
	case stateRelayed:
		return "relayed"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

func (h *Handler) handleConnect(ctx context.Context, msg protocol.Message, remote string) *protocol.Message {
	conn := msg.Connect

	if err := h.keys.Verify(msg.Secret); err != nil {
		h.metrics.Inc(metrics.AuthRejected)
		rec := audit.NewRecord(audit.ActionConnect, audit.OutcomeAuthError)
		rec.Device = conn.ID
		rec.PeerDevice = conn.Target
		rec.SourceAddr = remote
		rec.Detail = "bad connect key"
		h.sink.Append(rec)
		return errReply(msg.CorrID, "auth", "invalid key")
	}

	user := ""
	if conn.UserToken != "" && h.users != nil {
		claims, err := h.users.Verify(conn.UserToken)
		if err != nil {
			h.metrics.Inc(metrics.AuthRejected)
			rec := audit.NewRecord(audit.ActionConnect, audit.OutcomeAuthError)
			rec.Device = conn.ID
			rec.PeerDevice = conn.Target
			rec.SourceAddr = remote
			rec.Detail = "bad user token"
			h.sink.Append(rec)
			return errReply(msg.CorrID, "auth", "invalid user token")
		}
		user = claims.Username
		if tgt, err := h.reg.Lookup(conn.Target); err == nil {
			if !h.userAllowed(claims, tgt) {
				h.metrics.Inc(metrics.AuthRejected)
				rec := audit.NewRecord(audit.ActionConnect, audit.OutcomeAuthError)
				rec.Device = conn.ID
				rec.PeerDevice = conn.Target
				rec.User = user
				rec.SourceAddr = remote
				rec.Detail = errNoUserAccess.Error()
				h.sink.Append(rec)
				return errReply(msg.CorrID, "auth", errNoUserAccess.Error())
			}
		}
	}

	// Both ends must be online right now; a stale target fails fast.
	reqDev, err := h.reg.LookupOnline(conn.ID)
	if err == nil {
		var tgtDev registry.Device
		tgtDev, err = h.reg.LookupOnline(conn.Target)
		if err == nil {
			result := h.runConnect(ctx, msg.CorrID, reqDev, tgtDev, user, remote)
			return &protocol.Message{
				Type:          protocol.KindConnectResult,
				CorrID:        msg.CorrID,
				ConnectResult: &result,
			}
		}
	}
	if errors.Is(err, registry.ErrNotFound) {
		h.metrics.Inc(metrics.ConnectNotFound)
		rec := audit.NewRecord(audit.ActionConnect, audit.OutcomeNotFound)
		rec.Device = conn.ID
		rec.PeerDevice = conn.Target
		rec.User = user
		rec.SourceAddr = remote
		h.sink.Append(rec)
		return errReply(msg.CorrID, "not_found", "peer not registered or offline")
	}
	return errReply(msg.CorrID, "internal", err.Error())
}

// runConnect drives one request through the state machine. It runs on
// the requester's connection goroutine; requests for distinct pairs
// never share state beyond the registry.
func (h *Handler) runConnect(ctx context.Context, corrID string, reqDev, tgtDev registry.Device, user, remote string) protocol.ConnectResult {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	state := statePending
	audited := func(outcome, detail string) {
		rec := audit.NewRecord(audit.ActionConnect, outcome)
		rec.Device = reqDev.ID
		rec.PeerDevice = tgtDev.ID
		rec.User = user
		rec.SourceAddr = remote
		rec.Detail = detail
		h.sink.Append(rec)
	}

	grant, grantErr := h.alloc.Issue(reqDev.ID, tgtDev.ID)

	directPossible := !h.cfg.AlwaysRelay &&
		natcheck.TraversalLikely(reqDev.NATType, tgtDev.NATType)
	if directPossible {
		state = stateDirectAttempted
		a := traversal.Peer{ID: reqDev.ID, Observed: reqDev.Addr, NATType: reqDev.NATType}
		b := traversal.Peer{ID: tgtDev.ID, Observed: tgtDev.Addr, NATType: tgtDev.NATType}
		punchCtx, punchCancel := context.WithTimeout(ctx, h.cfg.PunchWindow)
		ok := h.neg.Attempt(punchCtx, corrID, a, b, h.sendTo)
		punchCancel()
		if ok {
			// Direct path won; any relay token issued alongside dies
			// unclaimed.
			if grantErr == nil {
				h.alloc.Revoke(grant.Token)
			}
			state = stateClosed
			h.metrics.Inc(metrics.ConnectDirect)
			audited(audit.OutcomeDirect, "")
			h.log.Info("connect resolved direct", "requester", reqDev.ID, "target", tgtDev.ID, "state", state.String())
			return protocol.ConnectResult{
				State:      "direct",
				Candidates: b.Candidates(),
			}
		}
		h.metrics.Inc(metrics.TraversalTimeout)
	}

	if grantErr != nil {
		state = stateFailed
		h.metrics.Inc(metrics.ConnectFailed)
		audited(audit.OutcomeFailed, grantErr.Error())
		h.log.Warn("connect failed, no relay capacity", "requester", reqDev.ID, "target", tgtDev.ID, "err", grantErr)
		return protocol.ConnectResult{State: "failed"}
	}

	// Relay fallback. The target learns the token through a punch
	// instruction carrying the grant; the requester gets it in the reply.
	relayGrant := &protocol.RelayGrant{
		Token:      grant.Token,
		Endpoint:   grant.Endpoint,
		TTLSeconds: int(grant.TTL.Seconds()),
	}
	err := h.sendTo(tgtDev.ID, protocol.Message{
		Type:   protocol.KindPunch,
		CorrID: corrID,
		Punch: &protocol.Punch{
			Peer:  reqDev.ID,
			Relay: relayGrant,
		},
	})
	if err != nil {
		h.alloc.Revoke(grant.Token)
		state = stateFailed
		h.metrics.Inc(metrics.ConnectFailed)
		audited(audit.OutcomeFailed, "target unreachable for relay handoff")
		return protocol.ConnectResult{State: "failed"}
	}

	state = stateRelayed
	h.metrics.Inc(metrics.ConnectRelayed)
	audited(audit.OutcomeRelayed, "")
	h.log.Info("connect resolved via relay", "requester", reqDev.ID, "target", tgtDev.ID, "endpoint", grant.Endpoint, "state", state.String())
	return protocol.ConnectResult{State: "relayed", Relay: relayGrant}
}

func errReply(corrID, code, message string) *protocol.Message {
	return &protocol.Message{
		Type:   protocol.KindError,
		CorrID: corrID,
		Err:    &protocol.ErrorBody{Code: code, Message: message},
	}
}
