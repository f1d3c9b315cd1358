package trustping

import (
	"context"
	"testing"

	mediator "github.com/layr8/didcomm-mediator"
)

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	p := &Plugin{}
	if err := p.Mount(&mediator.ServerState{OwnDID: "did:web:mediator.example"}); err != nil {
		t.Fatalf("Mount() error: %v", err)
	}
	return p
}

func TestHandlePing_RepliesWhenRequested(t *testing.T) {
	p := newTestPlugin(t)
	reply, err := p.handlePing(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice", Body: map[string]any{"response_requested": true},
	})
	if err != nil {
		t.Fatalf("handlePing() error: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a reply")
	}
	if reply.Type != typePingResponse {
		t.Errorf("reply.Type = %q, want %q", reply.Type, typePingResponse)
	}
	if reply.ThreadID != "m1" {
		t.Errorf("reply.ThreadID = %q, want m1", reply.ThreadID)
	}
}

func TestHandlePing_NoReplyWhenNotRequested(t *testing.T) {
	p := newTestPlugin(t)
	reply, err := p.handlePing(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice", Body: map[string]any{"response_requested": false},
	})
	if err != nil {
		t.Fatalf("handlePing() error: %v", err)
	}
	if reply != nil {
		t.Fatalf("reply = %+v, want nil", reply)
	}
}

func TestHandlePing_NoBodyDefaultsToNoReply(t *testing.T) {
	p := newTestPlugin(t)
	reply, err := p.handlePing(context.Background(), &mediator.Message{ID: "m1", From: "did:key:z6Mkalice"})
	if err != nil {
		t.Fatalf("handlePing() error: %v", err)
	}
	if reply != nil {
		t.Fatalf("reply = %+v, want nil", reply)
	}
}

func TestHandlePing_RequiresSenderDID(t *testing.T) {
	p := newTestPlugin(t)
	_, err := p.handlePing(context.Background(), &mediator.Message{ID: "m1"})
	if err == nil {
		t.Fatal("expected error for missing sender DID")
	}
}
