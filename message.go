package mediator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message is a plaintext DIDComm v2 message, after envelope unpacking and
// before envelope packing. Protocol handlers read and produce values of
// this type; the envelope codec never sees anything else.
type Message struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	From           string       `json:"from,omitempty"`
	To             []string     `json:"to,omitempty"`
	ThreadID       string       `json:"thid,omitempty"`
	ParentThreadID string       `json:"pthid,omitempty"`
	Body           any          `json:"-"`
	Attachments    []Attachment `json:"-"`

	// Metadata is set by the envelope codec on unpack; see Metadata.
	Metadata Metadata `json:"-"`

	bodyRaw json.RawMessage
}

// Metadata is what the envelope codec learned while unpacking a message.
// Spec §4.C: ingress rejects any non-forward message whose metadata is not
// Encrypted && Authenticated && !AnonymousSender.
type Metadata struct {
	Encrypted       bool
	Authenticated   bool
	AnonymousSender bool
}

// Attachment is a DIDComm v2 attachment descriptor. Forward (§4.I) reads
// attachments off the inbound message; pickup (§4.J) writes them onto
// outbound message-delivery replies.
type Attachment struct {
	ID        string         `json:"id,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Data      AttachmentData `json:"data"`
}

// AttachmentData is a DIDComm attachment's data block. Spec §4.I.3: exactly
// one of JSON, Base64, or Links is populated for a given attachment.
type AttachmentData struct {
	JSON   json.RawMessage `json:"json,omitempty"`
	Base64 string          `json:"base64,omitempty"`
	Links  []string        `json:"links,omitempty"`
}

// UnmarshalBody decodes the message body into v. Messages parsed off the
// wire carry bodyRaw verbatim; messages built in-process (handler replies,
// tests) carry only Body, so those are round-tripped through json instead.
func (m *Message) UnmarshalBody(v any) error {
	if m.bodyRaw != nil {
		return json.Unmarshal(m.bodyRaw, v)
	}
	if m.Body == nil {
		return fmt.Errorf("message %s has no body", m.ID)
	}
	raw, err := json.Marshal(m.Body)
	if err != nil {
		return fmt.Errorf("remarshal body: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// generateID returns a new unique message/record id.
func generateID() string {
	return uuid.New().String()
}

// GenerateID mints a new id using the same scheme Message ids use; exported
// for repository/codec packages that need consistent id generation.
func GenerateID() string {
	return generateID()
}

// plaintextWire is the DIDComm v2 JSON-object wire shape: a bare plaintext
// message, as carried inside a JWE envelope's ciphertext.
type plaintextWire struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	From           string          `json:"from,omitempty"`
	To             []string        `json:"to,omitempty"`
	ThreadID       string          `json:"thid,omitempty"`
	ParentThreadID string          `json:"pthid,omitempty"`
	Body           json.RawMessage `json:"body"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
}

// MarshalPlaintext serializes m into the DIDComm v2 plaintext JSON shape
// the envelope codec encrypts.
func (m *Message) MarshalPlaintext() ([]byte, error) {
	var bodyBytes json.RawMessage
	switch {
	case m.Body != nil:
		b, err := json.Marshal(m.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyBytes = b
	case m.bodyRaw != nil:
		bodyBytes = m.bodyRaw
	default:
		bodyBytes = json.RawMessage(`{}`)
	}

	if m.ID == "" {
		m.ID = generateID()
	}

	w := plaintextWire{
		ID:             m.ID,
		Type:           m.Type,
		From:           m.From,
		To:             m.To,
		ThreadID:       m.ThreadID,
		ParentThreadID: m.ParentThreadID,
		Body:           bodyBytes,
		Attachments:    m.Attachments,
	}
	return json.Marshal(w)
}

// ParsePlaintext parses a DIDComm v2 plaintext JSON object into a Message.
// metadata is attached verbatim; callers obtain it from envelope unpacking.
func ParsePlaintext(raw []byte, metadata Metadata) (*Message, error) {
	var w plaintextWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse plaintext: %w", err)
	}

	var bodyMap any
	if len(w.Body) > 0 {
		if err := json.Unmarshal(w.Body, &bodyMap); err != nil {
			return nil, fmt.Errorf("parse body: %w", err)
		}
	}

	return &Message{
		ID:             w.ID,
		Type:           w.Type,
		From:           w.From,
		To:             w.To,
		ThreadID:       w.ThreadID,
		ParentThreadID: w.ParentThreadID,
		Body:           bodyMap,
		Attachments:    w.Attachments,
		Metadata:       metadata,
		bodyRaw:        w.Body,
	}, nil
}

// Reply builds the reply envelope for a handled request: from is the
// mediator's own DID, to is the original sender, thid threads the reply to
// the original message's id unless the original already carried a thid.
func (m *Message) Reply(msgType string, from string, body any, opts ...ReplyOption) *Message {
	o := replyDefaults()
	for _, opt := range opts {
		opt(&o)
	}

	thid := m.ThreadID
	if thid == "" {
		thid = m.ID
	}
	var to []string
	if m.From != "" {
		to = []string{m.From}
	}
	return &Message{
		ID:             generateID(),
		Type:           msgType,
		From:           from,
		To:             to,
		ThreadID:       thid,
		ParentThreadID: o.parentThreadID,
		Body:           body,
	}
}
