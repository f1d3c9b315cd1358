package mediator

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// HandlerFunc is the signature every protocol handler implements: given
// an unpacked request message, return a reply to pack and send, an error
// to fail the request, or (nil, nil) for fire-and-forget.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// ProtocolPlugin is one DIDComm protocol's mountable route table (spec
// §4.F "plug-in registry mapping message-type URI → handler"). Each of
// coordinate-mediation, keylist, routing (forward), message-pickup,
// trust-ping and discover-features implements this.
type ProtocolPlugin interface {
	// Name identifies the plugin for duplicate-registration detection
	// and discover-features advertisement.
	Name() string
	// Routes returns this plugin's message-type → handler table.
	Routes() map[string]HandlerFunc
	// Mount is called once, at registry load, so a plugin can bind
	// against shared collaborators (repositories, resolver, config)
	// before Routes is read.
	Mount(state *ServerState) error
}

type handlerEntry struct {
	fn     HandlerFunc
	plugin string
}

// Registry is the protocol dispatcher (spec §4.F): it merges every
// mounted plugin's route table, rejecting duplicate plugin names and
// duplicate message-type URIs at load time, then routes an unpacked
// inbound message to its registered handler and returns the handler's
// reply as plaintext (internal/ingress packs it).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]handlerEntry // message type → handler
	plugins  map[string]struct{}     // loaded plugin names
	opts     dispatchOptions
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...DispatchOption) *Registry {
	o := dispatchDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		handlers: make(map[string]handlerEntry),
		plugins:  make(map[string]struct{}),
		opts:     o,
	}
}

// Load mounts p against state and merges its route table into the
// registry. Returns an error if p's name or any of its message types was
// already registered by a previously-loaded plugin (spec §4.F: "reject
// duplicates by plugin name... merge all route tables... duplicate
// URIs... error").
func (r *Registry) Load(state *ServerState, p ProtocolPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("protocol plugin %q already loaded", name)
	}

	if err := p.Mount(state); err != nil {
		return fmt.Errorf("mount plugin %q: %w", name, err)
	}

	routes := p.Routes()
	for msgType := range routes {
		if existing, exists := r.handlers[msgType]; exists {
			return fmt.Errorf("message type %q already registered by plugin %q (loading %q)",
				msgType, existing.plugin, name)
		}
	}

	for msgType, fn := range routes {
		r.handlers[msgType] = handlerEntry{fn: fn, plugin: name}
	}
	r.plugins[name] = struct{}{}
	return nil
}

// Dispatch routes msg to its registered handler by exact message-type
// match, per spec §4.F.
func (r *Registry) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	r.mu.RLock()
	entry, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, NewError(ErrInvalidMessageType, fmt.Errorf("no handler for type %q", msg.Type)).WithMessage(msg)
	}

	reply, err := entry.fn(ctx, msg)
	if err != nil {
		if r.opts.onError != nil {
			r.opts.onError(ErrUnsupportedOperation, err)
		}
		return nil, err
	}
	return reply, nil
}

// Protocols returns the unique protocol base URIs derived from every
// loaded plugin's registered message types, for discover-features
// advertisement (spec §4.K).
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var protocols []string
	for msgType := range r.handlers {
		proto := deriveProtocol(msgType)
		if _, ok := seen[proto]; !ok {
			seen[proto] = struct{}{}
			protocols = append(protocols, proto)
		}
	}
	return protocols
}

// deriveProtocol extracts the protocol base URI by removing the last
// path segment: ".../coordinate-mediation/2.0/mediate-request" →
// ".../coordinate-mediation/2.0".
func deriveProtocol(msgType string) string {
	idx := strings.LastIndex(msgType, "/")
	if idx == -1 {
		return msgType
	}
	return msgType[:idx]
}

// ProtocolOf exposes deriveProtocol to callers outside this package
// (cmd/mediator, restricting which plugins load against
// Config.SupportedProtocols) without requiring a loaded Registry.
func ProtocolOf(msgType string) string {
	return deriveProtocol(msgType)
}
