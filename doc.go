// Package mediator implements the core DIDComm v2 message-processing
// pipeline for a mediator service: decrypt/authenticate/dispatch/encrypt,
// and the protocol registry that binds message types to handlers.
//
// The package exposes three things an HTTP front-end wires together:
//
//   - Registry: a plugin-based protocol dispatcher (see ProtocolPlugin)
//   - Message / Attachment: the plaintext DIDComm message shape handlers work with
//   - ErrorKind / MediatorError: the tagged error taxonomy every handler returns
//
// Concrete protocol handlers live under internal/protocol/*; DID/secret
// resolution under internal/didres; the envelope codec under
// internal/envelope; repositories under internal/model and
// internal/store/*. cmd/mediator wires all of it into an HTTP server.
package mediator
