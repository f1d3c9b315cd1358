// Package mediation implements DIDComm coordinate-mediation 2.0's
// mediate-request exchange (spec §4.G): an agent asks to be mediated,
// the mediator grants or denies, and on grant mints a fresh routing DID.
package mediation

import (
	"context"
	"fmt"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/didres"
	"github.com/layr8/didcomm-mediator/internal/model"
)

const (
	typeMediateRequest = "https://didcomm.org/coordinate-mediation/2.0/mediate-request"
	typeMediateGrant   = "https://didcomm.org/coordinate-mediation/2.0/mediate-grant"
	typeMediateDeny    = "https://didcomm.org/coordinate-mediation/2.0/mediate-deny"
)

// Plugin implements mediator.ProtocolPlugin.
type Plugin struct {
	connections  model.Repository[*model.Connection]
	secrets      model.Repository[*model.Secret]
	publicDomain string
	ownDID       model.DID
}

func (p *Plugin) Name() string { return "coordinate-mediation" }

func (p *Plugin) Mount(state *mediator.ServerState) error {
	p.connections = state.Connections
	p.secrets = state.Secrets
	p.publicDomain = state.Config.PublicDomain
	p.ownDID = state.OwnDID
	return nil
}

func (p *Plugin) Routes() map[string]mediator.HandlerFunc {
	return map[string]mediator.HandlerFunc{
		typeMediateRequest: p.handleMediateRequest,
	}
}

type grantBody struct {
	RoutingDID string `json:"routing_did"`
}

type denyBody struct {
	Code string `json:"code,omitempty"`
}

// handleMediateRequest implements spec §4.G's single row: deny if a
// Connection already exists for this sender; else mint a routing DID,
// create the Connection, and grant.
func (p *Plugin) handleMediateRequest(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	if msg.From == "" {
		return nil, mediator.NewError(mediator.ErrMissingSenderDID, nil).WithMessage(msg)
	}

	_, exists, err := p.connections.FindOneBy(ctx, func(c *model.Connection) bool { return c.ClientDID == msg.From })
	if err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}
	if exists {
		return msg.Reply(typeMediateDeny, p.ownDID, denyBody{Code: "already-mediated"}), nil
	}

	routingDID, secrets, err := didres.GenerateRoutingDID(p.publicDomain)
	if err != nil {
		return nil, mediator.NewError(mediator.ErrInternalServer, fmt.Errorf("generate routing did: %w", err)).WithMessage(msg)
	}
	for _, s := range secrets {
		if _, err := p.secrets.Store(ctx, s); err != nil {
			return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
		}
	}

	conn := &model.Connection{
		ClientDID:  msg.From,
		RoutingDID: routingDID,
	}
	if _, err := p.connections.Store(ctx, conn); err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}

	return msg.Reply(typeMediateGrant, p.ownDID, grantBody{RoutingDID: routingDID}), nil
}
