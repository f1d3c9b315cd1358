package mediator

import (
	"context"
	"errors"
	"testing"
)

type fakePlugin struct {
	name   string
	routes map[string]HandlerFunc
}

func (p *fakePlugin) Name() string                  { return p.name }
func (p *fakePlugin) Routes() map[string]HandlerFunc { return p.routes }
func (p *fakePlugin) Mount(state *ServerState) error { return nil }

func TestRegistry_LoadAndDispatch(t *testing.T) {
	r := NewRegistry()
	plugin := &fakePlugin{
		name: "echo",
		routes: map[string]HandlerFunc{
			"https://didcomm.org/echo/1.0/request": func(ctx context.Context, msg *Message) (*Message, error) {
				return msg.Reply("https://didcomm.org/echo/1.0/response", "did:key:z6Mkmediator", nil), nil
			},
		},
	}
	if err := r.Load(&ServerState{}, plugin); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	reply, err := r.Dispatch(context.Background(), &Message{
		ID: "req-1", Type: "https://didcomm.org/echo/1.0/request", From: "did:key:z6Mkalice",
	})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if reply.Type != "https://didcomm.org/echo/1.0/response" {
		t.Errorf("reply.Type = %q", reply.Type)
	}
}

func TestRegistry_DuplicatePluginName(t *testing.T) {
	r := NewRegistry()
	plugin := &fakePlugin{name: "echo", routes: map[string]HandlerFunc{}}
	if err := r.Load(&ServerState{}, plugin); err != nil {
		t.Fatalf("first Load() error: %v", err)
	}
	if err := r.Load(&ServerState{}, plugin); err == nil {
		t.Fatal("second Load() with same plugin name should error")
	}
}

func TestRegistry_DuplicateMessageType(t *testing.T) {
	r := NewRegistry()
	routeA := map[string]HandlerFunc{"type-x": func(ctx context.Context, msg *Message) (*Message, error) { return nil, nil }}
	routeB := map[string]HandlerFunc{"type-x": func(ctx context.Context, msg *Message) (*Message, error) { return nil, nil }}

	if err := r.Load(&ServerState{}, &fakePlugin{name: "a", routes: routeA}); err != nil {
		t.Fatalf("Load(a) error: %v", err)
	}
	if err := r.Load(&ServerState{}, &fakePlugin{name: "b", routes: routeB}); err == nil {
		t.Fatal("Load(b) registering a duplicate message type should error")
	}
}

func TestRegistry_DispatchUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), &Message{Type: "unknown"})
	if err == nil {
		t.Fatal("Dispatch() of an unregistered type should error")
	}
	var mErr *MediatorError
	if !errors.As(err, &mErr) {
		t.Fatalf("error should be a *MediatorError, got %T", err)
	}
	if mErr.Kind != ErrInvalidMessageType {
		t.Errorf("Kind = %v, want ErrInvalidMessageType", mErr.Kind)
	}
}

func TestRegistry_Protocols(t *testing.T) {
	r := NewRegistry()
	routes := map[string]HandlerFunc{
		"https://didcomm.org/coordinate-mediation/2.0/mediate-request": func(ctx context.Context, msg *Message) (*Message, error) { return nil, nil },
		"https://didcomm.org/coordinate-mediation/2.0/keylist-query":   func(ctx context.Context, msg *Message) (*Message, error) { return nil, nil },
	}
	if err := r.Load(&ServerState{}, &fakePlugin{name: "mediation", routes: routes}); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	protocols := r.Protocols()
	if len(protocols) != 1 || protocols[0] != "https://didcomm.org/coordinate-mediation/2.0" {
		t.Errorf("Protocols() = %v", protocols)
	}
}

func TestRegistry_AsyncErrorHandler(t *testing.T) {
	var got ErrorKind
	var gotErr error
	r := NewRegistry(WithAsyncErrorHandler(func(kind ErrorKind, cause error) {
		got, gotErr = kind, cause
	}))
	routes := map[string]HandlerFunc{
		"fails": func(ctx context.Context, msg *Message) (*Message, error) { return nil, NewError(ErrInternalServer, nil) },
	}
	if err := r.Load(&ServerState{}, &fakePlugin{name: "p", routes: routes}); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := r.Dispatch(context.Background(), &Message{Type: "fails"}); err == nil {
		t.Fatal("Dispatch() should propagate the handler error")
	}
	if gotErr == nil {
		t.Error("async error handler should have been invoked")
	}
	_ = got
}
