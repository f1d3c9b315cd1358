// Package pickup implements DIDComm message-pickup 3.0 (spec §4.J): queue
// status, FIFO delivery, acked deletion, and the live-delivery-change
// flag.
package pickup

import (
	"context"
	"sort"
	"time"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/model"
)

const (
	typeStatusRequest      = "https://didcomm.org/messagepickup/3.0/status-request"
	typeStatus             = "https://didcomm.org/messagepickup/3.0/status"
	typeDeliveryRequest    = "https://didcomm.org/messagepickup/3.0/delivery-request"
	typeMessageDelivery    = "https://didcomm.org/messagepickup/3.0/delivery"
	typeMessagesReceived   = "https://didcomm.org/messagepickup/3.0/messages-received"
	typeLiveDeliveryChange = "https://didcomm.org/messagepickup/3.0/live-delivery-change"
	typeProblemReport      = "https://didcomm.org/report-problem/2.0/problem-report"
)

const codeLiveModeNotSupported = "e.m.live-mode-not-supported"

// Plugin implements mediator.ProtocolPlugin.
type Plugin struct {
	connections model.Repository[*model.Connection]
	messages    model.Repository[*model.RoutedMessage]
	ownDID      model.DID
	livePush    bool // whether live-delivery-change can actually be honored
}

func (p *Plugin) Name() string { return "messagepickup" }

func (p *Plugin) Mount(state *mediator.ServerState) error {
	p.connections = state.Connections
	p.messages = state.Messages
	p.ownDID = state.OwnDID
	p.livePush = state.Config.LivePushAddr != ""
	return nil
}

func (p *Plugin) Routes() map[string]mediator.HandlerFunc {
	return map[string]mediator.HandlerFunc{
		typeStatusRequest:      p.handleStatusRequest,
		typeDeliveryRequest:    p.handleDeliveryRequest,
		typeMessagesReceived:   p.handleMessagesReceived,
		typeLiveDeliveryChange: p.handleLiveDeliveryChange,
	}
}

// callerConnection looks up the Connection for msg.From, the shared first
// step of every pickup handler (spec §4.J's "caller" is always the agent
// a Connection was minted for in §4.G).
func (p *Plugin) callerConnection(ctx context.Context, msg *mediator.Message) (*model.Connection, error) {
	if msg.From == "" {
		return nil, mediator.NewError(mediator.ErrMissingSenderDID, nil).WithMessage(msg)
	}
	conn, found, err := p.connections.FindOneBy(ctx, func(c *model.Connection) bool { return c.ClientDID == msg.From })
	if err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}
	if !found {
		return nil, mediator.NewError(mediator.ErrUncoordinatedSender, nil).WithMessage(msg)
	}
	return conn, nil
}

// recipientMessages returns every RoutedMessage queued for recipient,
// ordered oldest-first by ReceivedAt, ties broken by id (spec §4.J
// "Ordering"). The in-memory store gives no ordering guarantee of its
// own, so every caller that needs FIFO semantics sorts here.
func (p *Plugin) recipientMessages(ctx context.Context, recipient model.DID) ([]*model.RoutedMessage, error) {
	all, err := p.messages.FindAllBy(ctx, func(r *model.RoutedMessage) bool { return r.RecipientDID == recipient }, 0)
	if err != nil {
		return nil, err
	}
	sortByReceivedAt(all)
	return all, nil
}

// keylistMessages aggregates recipientMessages across every DID in the
// connection's keylist (spec §3: a keylist member need not equal
// client_did, so a single-recipient lookup silently strands mail
// forwarded to any other registered DID), re-sorted into one FIFO order.
func (p *Plugin) keylistMessages(ctx context.Context, conn *model.Connection) ([]*model.RoutedMessage, error) {
	var all []*model.RoutedMessage
	for _, recipient := range conn.Keylist {
		msgs, err := p.recipientMessages(ctx, recipient)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	sortByReceivedAt(all)
	return all, nil
}

// scopedMessages resolves the queue a caller's request applies to: the
// given recipient filter if one was supplied (the caller validates it's a
// keylist member before calling), or the caller's whole keylist otherwise.
func (p *Plugin) scopedMessages(ctx context.Context, conn *model.Connection, recipient model.DID) ([]*model.RoutedMessage, error) {
	if recipient != "" {
		return p.recipientMessages(ctx, recipient)
	}
	return p.keylistMessages(ctx, conn)
}

func sortByReceivedAt(all []*model.RoutedMessage) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].ReceivedAt.Before(all[j].ReceivedAt)
	})
}

type statusRequestBody struct {
	RecipientDID string `json:"recipient_did,omitempty"`
}

type statusBody struct {
	MessageCount         int    `json:"message_count"`
	LongestWaitedSeconds int64  `json:"longest_waited_seconds"`
	NewestReceivedTime   int64  `json:"newest_received_time,omitempty"`
	OldestReceivedTime   int64  `json:"oldest_received_time,omitempty"`
	TotalBytes           int64  `json:"total_bytes"`
	LiveDelivery         bool   `json:"live_delivery"`
	RecipientDID         string `json:"recipient_did,omitempty"`
}

// handleStatusRequest implements spec §4.J's status-request row: an
// optional recipient_did in body must be a member of the caller's
// keylist, else MalformedBody; absent, it reports across the caller's
// whole keylist, since a keylist member need not be client_did (spec §3).
func (p *Plugin) handleStatusRequest(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	conn, err := p.callerConnection(ctx, msg)
	if err != nil {
		return nil, err
	}

	var body statusRequestBody
	_ = msg.UnmarshalBody(&body) // absent body is valid: means no recipient filter

	if body.RecipientDID != "" && !conn.HasKey(body.RecipientDID) {
		return nil, mediator.NewError(mediator.ErrMalformedBody, nil).WithMessage(msg)
	}

	queued, err := p.scopedMessages(ctx, conn, body.RecipientDID)
	if err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}

	resp := statusBody{
		MessageCount: len(queued),
		LiveDelivery: conn.LiveDelivery,
		RecipientDID: body.RecipientDID,
	}
	if len(queued) > 0 {
		oldest := queued[0].ReceivedAt
		newest := queued[len(queued)-1].ReceivedAt
		resp.OldestReceivedTime = oldest.Unix()
		resp.NewestReceivedTime = newest.Unix()
		resp.LongestWaitedSeconds = int64(time.Since(oldest).Seconds())
		for _, m := range queued {
			resp.TotalBytes += int64(len(m.Message))
		}
	}

	return msg.Reply(typeStatus, p.ownDID, resp), nil
}

type deliveryRequestBody struct {
	Limit        int    `json:"limit"`
	RecipientDID string `json:"recipient_did,omitempty"`
}

type deliveryBody struct{}

// handleDeliveryRequest implements spec §4.J's delivery-request row: pop
// up to limit oldest messages as attachments, leaving them in the store
// until an explicit messages-received ack. An optional recipient_did
// narrows the pop to one keylist member, same validation as
// status-request; absent, it pops across the caller's whole keylist.
func (p *Plugin) handleDeliveryRequest(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	conn, err := p.callerConnection(ctx, msg)
	if err != nil {
		return nil, err
	}

	var body deliveryRequestBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
	}
	if body.Limit <= 0 {
		return nil, mediator.NewError(mediator.ErrMalformedBody, nil).WithMessage(msg)
	}
	if body.RecipientDID != "" && !conn.HasKey(body.RecipientDID) {
		return nil, mediator.NewError(mediator.ErrMalformedBody, nil).WithMessage(msg)
	}

	queued, err := p.scopedMessages(ctx, conn, body.RecipientDID)
	if err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}
	if len(queued) > body.Limit {
		queued = queued[:body.Limit]
	}

	reply := msg.Reply(typeMessageDelivery, p.ownDID, deliveryBody{})
	reply.Attachments = make([]mediator.Attachment, len(queued))
	for i, m := range queued {
		reply.Attachments[i] = mediator.Attachment{
			ID:        m.ID,
			MediaType: "application/json",
			Data:      mediator.AttachmentData{JSON: append([]byte(nil), m.Message...)},
		}
	}
	return reply, nil
}

type messagesReceivedBody struct {
	MessageIDList []string `json:"message_id_list"`
}

// handleMessagesReceived implements spec §4.J's messages-received row:
// delete each acked id, scoped to the caller's keylist so one agent can't
// ack another connection's queue entries by guessing ids.
func (p *Plugin) handleMessagesReceived(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	conn, err := p.callerConnection(ctx, msg)
	if err != nil {
		return nil, err
	}

	var body messagesReceivedBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
	}

	for _, id := range body.MessageIDList {
		record, found, err := p.messages.FindOne(ctx, id)
		if err != nil {
			return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
		}
		if !found || !conn.HasKey(record.RecipientDID) {
			continue
		}
		if err := p.messages.DeleteOne(ctx, id); err != nil {
			return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
		}
	}

	queued, err := p.keylistMessages(ctx, conn)
	if err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}
	resp := statusBody{MessageCount: len(queued), LiveDelivery: conn.LiveDelivery}
	return msg.Reply(typeStatus, p.ownDID, resp), nil
}

type liveDeliveryChangeBody struct {
	LiveDelivery bool `json:"live_delivery"`
}

type problemReportBody struct {
	Code string `json:"code"`
}

// handleLiveDeliveryChange implements spec §4.J's live-delivery-change
// row. Turning live delivery off is always stored. Turning it on is
// stored only if the process was started with a live-push address
// configured (spec §9 open question); otherwise the handler replies a
// not-supported problem report and leaves the flag unchanged, rather
// than silently accepting an unactionable flag.
func (p *Plugin) handleLiveDeliveryChange(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	conn, err := p.callerConnection(ctx, msg)
	if err != nil {
		return nil, err
	}

	var body liveDeliveryChangeBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
	}

	if body.LiveDelivery && !p.livePush {
		return msg.Reply(typeProblemReport, p.ownDID, problemReportBody{Code: codeLiveModeNotSupported}), nil
	}

	conn.LiveDelivery = body.LiveDelivery
	if _, err := p.connections.Update(ctx, conn); err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}

	return msg.Reply(typeStatus, p.ownDID, statusBody{LiveDelivery: conn.LiveDelivery}), nil
}
