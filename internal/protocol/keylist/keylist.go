// Package keylist implements coordinate-mediation 2.0's keylist-update
// and keylist-query exchanges (spec §4.H): per-recipient add/remove of
// the calling agent's Connection.Keylist, and a read-only query.
package keylist

import (
	"context"
	"strconv"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/model"
)

// keylistPageSize bounds a single keylist-query reply (spec §4.H
// "optional pagination cursor"); a cursor is the base-10 offset into the
// caller's Keylist to resume from, opaque to the agent.
const keylistPageSize = 30

const (
	typeKeylistUpdate         = "https://didcomm.org/coordinate-mediation/2.0/keylist-update"
	typeKeylistUpdateResponse = "https://didcomm.org/coordinate-mediation/2.0/keylist-update-response"
	typeKeylistQuery          = "https://didcomm.org/coordinate-mediation/2.0/keylist-query"
	typeKeylist               = "https://didcomm.org/coordinate-mediation/2.0/keylist"
)

// Plugin implements mediator.ProtocolPlugin.
type Plugin struct {
	connections model.Repository[*model.Connection]
	ownDID      model.DID
}

func (p *Plugin) Name() string { return "keylist" }

func (p *Plugin) Mount(state *mediator.ServerState) error {
	p.connections = state.Connections
	p.ownDID = state.OwnDID
	return nil
}

func (p *Plugin) Routes() map[string]mediator.HandlerFunc {
	return map[string]mediator.HandlerFunc{
		typeKeylistUpdate: p.handleUpdate,
		typeKeylistQuery:  p.handleQuery,
	}
}

type update struct {
	RecipientDID string `json:"recipient_did"`
	Action       string `json:"action"`
}

type updateBody struct {
	Updates []update `json:"updates"`
}

type updateResult struct {
	RecipientDID string `json:"recipient_did"`
	Action       string `json:"action"`
	Result       string `json:"result"` // success | no_change | client_error
}

type updateResponseBody struct {
	Updated []updateResult `json:"updated"`
}

// handleUpdate applies every update atomically to the sender's
// Connection (spec §4.H: "Concurrent keylist-update messages from the
// same agent MUST serialize"), and never aborts the batch for a
// per-update failure (spec §7 "Recovered locally").
func (p *Plugin) handleUpdate(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	if msg.From == "" {
		return nil, mediator.NewError(mediator.ErrMissingSenderDID, nil).WithMessage(msg)
	}

	var body updateBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
	}

	conn, found, err := p.connections.FindOneBy(ctx, func(c *model.Connection) bool { return c.ClientDID == msg.From })
	if err != nil {
		return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
	}
	if !found {
		return nil, mediator.NewError(mediator.ErrUncoordinatedSender, nil).WithMessage(msg)
	}

	results := make([]updateResult, 0, len(body.Updates))

	applyAll := func(c *model.Connection) *model.Connection {
		for _, u := range body.Updates {
			results = append(results, updateResult{
				RecipientDID: u.RecipientDID,
				Action:       u.Action,
				Result:       applyOne(c, u),
			})
		}
		return c
	}

	if atomic, ok := p.connections.(interface {
		WithLock(id string, fn func(current *model.Connection, found bool) (*model.Connection, error)) (*model.Connection, error)
	}); ok {
		if _, err := atomic.WithLock(conn.ID, func(current *model.Connection, found bool) (*model.Connection, error) {
			if !found {
				return nil, mediator.NewError(mediator.ErrUncoordinatedSender, nil).WithMessage(msg)
			}
			return applyAll(current), nil
		}); err != nil {
			return nil, err
		}
	} else {
		applyAll(conn)
		if _, err := p.connections.Update(ctx, conn); err != nil {
			return nil, mediator.NewError(mediator.ErrRepositoryError, err).WithMessage(msg)
		}
	}

	return msg.Reply(typeKeylistUpdateResponse, p.ownDID, updateResponseBody{Updated: results}), nil
}

// applyOne applies a single update to c in place and returns its
// per-update result (spec §4.H: add on a duplicate or remove on an
// absent key is a no_change outcome, never a batch-level error).
func applyOne(c *model.Connection, u update) string {
	switch u.Action {
	case "add":
		if c.AddKey(u.RecipientDID) {
			return "success"
		}
		return "no_change"
	case "remove":
		if c.RemoveKey(u.RecipientDID) {
			return "success"
		}
		return "no_change"
	default:
		return "client_error"
	}
}

type queryBody struct {
	Cursor string `json:"cursor,omitempty"`
}

type keylistResponseBody struct {
	Keys   []keylistEntry `json:"keys"`
	Cursor string         `json:"cursor,omitempty"` // set when more keys remain past this page
}

type keylistEntry struct {
	RecipientDID string `json:"recipient_did"`
}

// handleQuery implements spec §4.H's keylist-query row, paging the
// caller's Keylist keylistPageSize entries at a time. A missing or empty
// cursor starts from the beginning; an invalid one is a client error.
func (p *Plugin) handleQuery(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
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

	var body queryBody
	_ = msg.UnmarshalBody(&body) // absent body is valid: means start from the first page

	offset := 0
	if body.Cursor != "" {
		offset, err = strconv.Atoi(body.Cursor)
		if err != nil || offset < 0 {
			return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
		}
	}
	if offset > len(conn.Keylist) {
		offset = len(conn.Keylist)
	}
	end := offset + keylistPageSize
	if end > len(conn.Keylist) {
		end = len(conn.Keylist)
	}

	page := conn.Keylist[offset:end]
	keys := make([]keylistEntry, 0, len(page))
	for _, d := range page {
		keys = append(keys, keylistEntry{RecipientDID: d})
	}

	resp := keylistResponseBody{Keys: keys}
	if end < len(conn.Keylist) {
		resp.Cursor = strconv.Itoa(end)
	}
	return msg.Reply(typeKeylist, p.ownDID, resp), nil
}
