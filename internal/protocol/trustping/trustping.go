// Package trustping implements DIDComm trust-ping 2.0 (spec §4.K): a
// liveness check with an optional reply.
package trustping

import (
	"context"

	mediator "github.com/layr8/didcomm-mediator"
)

const (
	typePing         = "https://didcomm.org/trust-ping/2.0/ping"
	typePingResponse = "https://didcomm.org/trust-ping/2.0/ping-response"
)

// Plugin implements mediator.ProtocolPlugin.
type Plugin struct {
	ownDID string
}

func (p *Plugin) Name() string { return "trust-ping" }

func (p *Plugin) Mount(state *mediator.ServerState) error {
	p.ownDID = state.OwnDID
	return nil
}

func (p *Plugin) Routes() map[string]mediator.HandlerFunc {
	return map[string]mediator.HandlerFunc{
		typePing: p.handlePing,
	}
}

type pingBody struct {
	ResponseRequested bool `json:"response_requested"`
}

type pingResponseBody struct{}

// handlePing implements spec §4.K's trust-ping row: reply only if asked
// to, threaded to the ping's own id.
func (p *Plugin) handlePing(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	if msg.From == "" {
		return nil, mediator.NewError(mediator.ErrMissingSenderDID, nil).WithMessage(msg)
	}

	var body pingBody
	_ = msg.UnmarshalBody(&body) // response_requested defaults to false on a bodyless/absent-field ping

	if !body.ResponseRequested {
		return nil, nil
	}
	return msg.Reply(typePingResponse, p.ownDID, pingResponseBody{}), nil
}
