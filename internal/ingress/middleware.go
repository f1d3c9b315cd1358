// Package ingress implements the HTTP entry point (spec §4.D): content-
// type check, body capture, envelope unpack, DID-rotation side effect,
// then handoff to the dispatcher. It is the single front door the core
// consumes from — one POST / handler.
package ingress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/didres"
	"github.com/layr8/didcomm-mediator/internal/envelope"
	"github.com/layr8/didcomm-mediator/internal/model"
	"github.com/layr8/didcomm-mediator/internal/rotation"
)

// forwardMessageType is exempt from the authenticated-sender requirement
// (spec §4.C: "the forward type is exempt because the sender may
// legitimately be anonymous to the mediator").
const forwardMessageType = "https://didcomm.org/routing/2.0/forward"

// RecipientKey is one of the mediator's own key-agreement keys, tried in
// turn against an inbound envelope's recipients array.
type RecipientKey struct {
	Kid  model.KID
	Priv []byte // raw X25519 scalar
}

// Dispatcher is the subset of *mediator.Registry ingress depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *mediator.Message) (*mediator.Message, error)
}

// Handler is the ingress HTTP handler: POST / carrying an encrypted
// envelope (spec §6 "HTTP surface").
type Handler struct {
	Dispatcher  Dispatcher
	Resolver    *didres.Resolver
	OwnDID      model.DID
	OwnKeys     []RecipientKey
	Connections rotation.ConnectionRepository
}

// ServeHTTP implements the ingress sequence of spec §4.D.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if !isDidcommEncrypted(ct) {
		writeError(w, mediator.NewError(mediator.ErrNotDidcommEncrypted, nil))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, mediator.NewError(mediator.ErrInternalServer, err))
		return
	}

	plaintext, meta, err := h.unpack(r.Context(), body)
	if err != nil {
		writeError(w, mediator.NewError(mediator.ErrCouldNotUnpack, err))
		return
	}

	msg, err := mediator.ParsePlaintext(plaintext, mediator.Metadata(meta))
	if err != nil {
		writeError(w, mediator.NewError(mediator.ErrMalformedBody, err))
		return
	}

	if !meta.Encrypted {
		writeError(w, mediator.NewError(mediator.ErrNotDidcommEncrypted, nil).WithMessage(msg))
		return
	}
	if msg.Type != forwardMessageType && (!meta.Authenticated || meta.AnonymousSender || msg.From == "") {
		writeError(w, mediator.NewError(mediator.ErrAnonymousPacker, nil).WithMessage(msg))
		return
	}

	if fromPrior, ok := fromPriorClaim(msg); ok {
		if _, err := rotation.Rotate(r.Context(), h.Connections, h.Resolver, fromPrior); err != nil {
			kind := mediator.ErrInvalidFromPrior
			if errors.Is(err, rotation.ErrUnknownIssuer) {
				kind = mediator.ErrUnknownIssuer
			}
			writeError(w, mediator.NewError(kind, err).WithMessage(msg))
			return
		}
	}

	reply, err := h.Dispatcher.Dispatch(r.Context(), msg)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	envBytes, err := h.pack(r.Context(), reply)
	if err != nil {
		writeError(w, mediator.NewError(mediator.ErrMessagePackingFailure, err).WithMessage(reply))
		return
	}

	w.Header().Set("Content-Type", envelope.ContentTypeEncrypted)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(envBytes)
}

// unpack tries each of the mediator's own key-agreement keys against the
// envelope until one matches a recipient entry (spec §4.C).
func (h *Handler) unpack(ctx context.Context, raw []byte) ([]byte, envelope.Metadata, error) {
	var lastErr error
	resolveSender := func(kid model.KID) ([]byte, error) {
		doc, err := h.Resolver.Resolve(ctx, stripFragment(kid))
		if err != nil {
			return nil, err
		}
		_, pub, err := envelope.ResolveRecipientKey(doc)
		return pub, err
	}

	for _, key := range h.OwnKeys {
		plaintext, meta, err := envelope.Unpack(raw, key.Kid, key.Priv, resolveSender)
		if err == nil {
			return plaintext, meta, nil
		}
		lastErr = err
	}
	return nil, envelope.Metadata{}, lastErr
}

// pack authcrypts reply to its sole recipient using the mediator's own
// DID as sender (spec §4.F "Pack any Some(reply) via 4.C using the
// mediator's DID as from").
func (h *Handler) pack(ctx context.Context, reply *mediator.Message) ([]byte, error) {
	if len(reply.To) == 0 {
		return nil, errNoRecipient
	}
	doc, err := h.Resolver.Resolve(ctx, reply.To[0])
	if err != nil {
		return nil, err
	}
	recipientKid, recipientPub, err := envelope.ResolveRecipientKey(doc)
	if err != nil {
		return nil, err
	}

	plaintext, err := reply.MarshalPlaintext()
	if err != nil {
		return nil, err
	}

	if len(h.OwnKeys) == 0 {
		return nil, errNoOwnKey
	}
	sender := h.OwnKeys[0]
	return envelope.Pack(plaintext, sender.Kid, sender.Priv, recipientKid, recipientPub)
}

var (
	errNoRecipient = &ingressError{"reply has no recipient"}
	errNoOwnKey    = &ingressError{"mediator has no key-agreement key configured"}
)

type ingressError struct{ msg string }

func (e *ingressError) Error() string { return e.msg }

func isDidcommEncrypted(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	return ct == envelope.ContentTypeEncrypted || ct == "didcomm-encrypted+json"
}

// fromPriorClaim extracts the from_prior JWT from the "from_prior" string
// field of a plaintext message's body, where present. A "from_prior"
// header at the top level of the plaintext (beside "body") is not read:
// mediator.ParsePlaintext does not carry that field.
func fromPriorClaim(msg *mediator.Message) (string, bool) {
	body, ok := msg.Body.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := body["from_prior"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func stripFragment(kid model.KID) model.DID {
	if i := strings.IndexByte(kid, '#'); i >= 0 {
		return kid[:i]
	}
	return kid
}

func writeError(w http.ResponseWriter, err *mediator.MediatorError) {
	resp := err.ToResponse()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// writeHandlerError renders a dispatcher/handler error, wrapping it as
// MediatorError if it isn't already one (spec §7: "No error inside a
// handler is silently swallowed").
func writeHandlerError(w http.ResponseWriter, err error) {
	if mErr, ok := err.(*mediator.MediatorError); ok {
		writeError(w, mErr)
		return
	}
	writeError(w, mediator.NewError(mediator.ErrInternalServer, err))
}
