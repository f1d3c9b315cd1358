// Package forward implements DIDComm routing 2.0's forward message (spec
// §4.I): accept an opaque attachment bound for a recipient in some
// Connection's keylist, and queue it as a RoutedMessage for pickup.
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/model"
)

const typeForward = "https://didcomm.org/routing/2.0/forward"

// Plugin implements mediator.ProtocolPlugin.
type Plugin struct {
	connections model.Repository[*model.Connection]
	messages    model.Repository[*model.RoutedMessage]
	pusher      mediator.Pusher
}

func (p *Plugin) Name() string { return "routing" }

func (p *Plugin) Mount(state *mediator.ServerState) error {
	p.connections = state.Connections
	p.messages = state.Messages
	p.pusher = state.Pusher
	return nil
}

func (p *Plugin) Routes() map[string]mediator.HandlerFunc {
	return map[string]mediator.HandlerFunc{
		typeForward: p.handleForward,
	}
}

type forwardBody struct {
	Next string `json:"next"`
}

// handleForward implements spec §4.I: validate next is a keylist member
// of some Connection, persist each attachment as a RoutedMessage, reply
// None (the caller renders this as HTTP 202).
func (p *Plugin) handleForward(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	var body forwardBody
	if err := msg.UnmarshalBody(&body); err != nil || body.Next == "" {
		return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
	}

	recipientConn, found, err := p.connections.FindOneBy(ctx, func(c *model.Connection) bool { return c.HasKey(body.Next) })
	if err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}
	if !found {
		return nil, mediator.NewError(mediator.ErrUncoordinatedSender, nil).WithMessage(msg)
	}

	for i := range msg.Attachments {
		payload, err := attachmentPayload(&msg.Attachments[i])
		if err != nil {
			return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
		}
		record := &model.RoutedMessage{
			RecipientDID: body.Next,
			Message:      payload,
			ReceivedAt:   time.Now().UTC(),
		}
		if _, err := p.messages.Store(ctx, record); err != nil {
			return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
		}
		// The attachment is already opaque ciphertext addressed to the
		// final recipient, so a live push just relays it unchanged;
		// it stays queued either way for a later delivery-request.
		if p.pusher != nil && recipientConn.LiveDelivery {
			p.pusher.Push(body.Next, payload)
		}
	}

	return nil, nil
}

// attachmentPayload extracts the opaque payload to persist from an
// attachment's data block, per spec §4.I.3: exactly one of JSON, Base64,
// or Links is populated.
func attachmentPayload(a *mediator.Attachment) ([]byte, error) {
	switch {
	case len(a.Data.JSON) > 0:
		return []byte(a.Data.JSON), nil
	case a.Data.Base64 != "":
		return json.Marshal(a.Data.Base64)
	case len(a.Data.Links) > 0:
		return json.Marshal(a.Data.Links)
	default:
		return nil, fmt.Errorf("attachment %s has no data", a.ID)
	}
}
