package didres

import (
	"context"
	"fmt"
	"strings"

	"github.com/layr8/didcomm-mediator/internal/model"
)

// Resolver dispatches DID resolution to the right method implementation and
// special-cases the mediator's own DID, which resolves from local state
// rather than round-tripping through a resolver (spec §4.A: "the
// mediator's own DID resolves locally, bypassing network I/O").
type Resolver struct {
	web     *WebResolver
	ownDID  model.DID
	ownDoc  *model.DIDDocument
}

// NewResolver builds a Resolver. ownDID/ownDoc may be zero-valued if the
// mediator's own identity is not yet provisioned at construction time; set
// them with SetOwnIdentity once the routing DID is minted.
func NewResolver(ownDID model.DID, ownDoc *model.DIDDocument) *Resolver {
	return &Resolver{web: NewWebResolver(), ownDID: ownDID, ownDoc: ownDoc}
}

// SetOwnIdentity records the mediator's own DID and document for local,
// no-network resolution.
func (r *Resolver) SetOwnIdentity(did model.DID, doc *model.DIDDocument) {
	r.ownDID = did
	r.ownDoc = doc
}

// Resolve expands a DID into its DID document, dispatching on method.
func (r *Resolver) Resolve(ctx context.Context, did model.DID) (*model.DIDDocument, error) {
	if r.ownDoc != nil && did == r.ownDID {
		return r.ownDoc, nil
	}

	switch {
	case strings.HasPrefix(did, "did:key:"):
		return ResolveKey(did)
	case strings.HasPrefix(did, "did:peer:"):
		return ResolvePeer(did)
	case strings.HasPrefix(did, "did:web:"):
		return r.web.Resolve(ctx, did)
	default:
		return nil, fmt.Errorf("unsupported DID method: %s", did)
	}
}
