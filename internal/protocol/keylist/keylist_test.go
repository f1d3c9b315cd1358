package keylist

import (
	"context"
	"fmt"
	"testing"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/model"
	"github.com/layr8/didcomm-mediator/internal/store/memory"
)

func newTestPlugin(t *testing.T) (*Plugin, model.Repository[*model.Connection]) {
	t.Helper()
	conns := memory.New(memory.CloneConnection)
	state := &mediator.ServerState{
		OwnDID:      "did:web:mediator.example",
		Connections: conns,
	}
	p := &Plugin{}
	if err := p.Mount(state); err != nil {
		t.Fatalf("Mount() error: %v", err)
	}
	return p, conns
}

func seedConnection(t *testing.T, conns model.Repository[*model.Connection], clientDID string, keys ...string) *model.Connection {
	t.Helper()
	conn := &model.Connection{ClientDID: clientDID, Keylist: append([]string{}, keys...)}
	stored, err := conns.Store(context.Background(), conn)
	if err != nil {
		t.Fatalf("seed Store() error: %v", err)
	}
	return stored
}

func TestKeylistUpdate_AddAndRemove(t *testing.T) {
	p, conns := newTestPlugin(t)
	seedConnection(t, conns, "did:key:z6Mkalice", "did:key:z6Mkexisting")

	reply, err := p.handleUpdate(context.Background(), &mediator.Message{
		ID:   "m1",
		From: "did:key:z6Mkalice",
		Body: map[string]any{
			"updates": []any{
				map[string]any{"recipient_did": "did:key:z6Mknew", "action": "add"},
				map[string]any{"recipient_did": "did:key:z6Mkexisting", "action": "remove"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleUpdate() error: %v", err)
	}
	if reply.Type != typeKeylistUpdateResponse {
		t.Fatalf("reply.Type = %q, want %q", reply.Type, typeKeylistUpdateResponse)
	}

	body, ok := reply.Body.(updateResponseBody)
	if !ok {
		t.Fatalf("reply.Body type = %T, want updateResponseBody", reply.Body)
	}
	if len(body.Updated) != 2 {
		t.Fatalf("len(Updated) = %d, want 2", len(body.Updated))
	}
	if body.Updated[0].Result != "success" || body.Updated[1].Result != "success" {
		t.Errorf("Updated = %+v, want both success", body.Updated)
	}

	conn, found, err := conns.FindOneBy(context.Background(), func(c *model.Connection) bool { return c.ClientDID == "did:key:z6Mkalice" })
	if err != nil || !found {
		t.Fatalf("FindOneBy() = %v, %v, %v", conn, found, err)
	}
	if len(conn.Keylist) != 1 || conn.Keylist[0] != "did:key:z6Mknew" {
		t.Errorf("Keylist = %v, want [did:key:z6Mknew]", conn.Keylist)
	}
}

func TestKeylistUpdate_DuplicateAddIsNoChange(t *testing.T) {
	p, conns := newTestPlugin(t)
	seedConnection(t, conns, "did:key:z6Mkalice", "did:key:z6Mkexisting")

	reply, err := p.handleUpdate(context.Background(), &mediator.Message{
		ID:   "m1",
		From: "did:key:z6Mkalice",
		Body: map[string]any{
			"updates": []any{
				map[string]any{"recipient_did": "did:key:z6Mkexisting", "action": "add"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleUpdate() error: %v", err)
	}
	body := reply.Body.(updateResponseBody)
	if body.Updated[0].Result != "no_change" {
		t.Errorf("Result = %q, want no_change", body.Updated[0].Result)
	}
}

func TestKeylistUpdate_RemoveAbsentIsNoChange(t *testing.T) {
	p, conns := newTestPlugin(t)
	seedConnection(t, conns, "did:key:z6Mkalice")

	reply, err := p.handleUpdate(context.Background(), &mediator.Message{
		ID:   "m1",
		From: "did:key:z6Mkalice",
		Body: map[string]any{
			"updates": []any{
				map[string]any{"recipient_did": "did:key:z6Mkghost", "action": "remove"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleUpdate() error: %v", err)
	}
	body := reply.Body.(updateResponseBody)
	if body.Updated[0].Result != "no_change" {
		t.Errorf("Result = %q, want no_change", body.Updated[0].Result)
	}
}

func TestKeylistUpdate_UnknownActionIsClientError(t *testing.T) {
	p, conns := newTestPlugin(t)
	seedConnection(t, conns, "did:key:z6Mkalice")

	reply, err := p.handleUpdate(context.Background(), &mediator.Message{
		ID:   "m1",
		From: "did:key:z6Mkalice",
		Body: map[string]any{
			"updates": []any{
				map[string]any{"recipient_did": "did:key:z6Mkghost", "action": "frobnicate"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleUpdate() error: %v", err)
	}
	body := reply.Body.(updateResponseBody)
	if body.Updated[0].Result != "client_error" {
		t.Errorf("Result = %q, want client_error", body.Updated[0].Result)
	}
}

func TestKeylistUpdate_RequiresSenderDID(t *testing.T) {
	p, _ := newTestPlugin(t)
	_, err := p.handleUpdate(context.Background(), &mediator.Message{ID: "m1"})
	if err == nil {
		t.Fatal("expected error for missing sender DID")
	}
}

func TestKeylistUpdate_RequiresExistingConnection(t *testing.T) {
	p, _ := newTestPlugin(t)
	_, err := p.handleUpdate(context.Background(), &mediator.Message{
		ID:   "m1",
		From: "did:key:z6Mkstranger",
		Body: map[string]any{"updates": []any{}},
	})
	if err == nil {
		t.Fatal("expected error for uncoordinated sender")
	}
}

func TestKeylistQuery_ReturnsKeys(t *testing.T) {
	p, conns := newTestPlugin(t)
	seedConnection(t, conns, "did:key:z6Mkalice", "did:key:z6Mkone", "did:key:z6Mktwo")

	reply, err := p.handleQuery(context.Background(), &mediator.Message{ID: "m1", From: "did:key:z6Mkalice"})
	if err != nil {
		t.Fatalf("handleQuery() error: %v", err)
	}
	if reply.Type != typeKeylist {
		t.Fatalf("reply.Type = %q, want %q", reply.Type, typeKeylist)
	}
	body := reply.Body.(keylistResponseBody)
	if len(body.Keys) != 2 {
		t.Fatalf("len(Keys) = %d, want 2", len(body.Keys))
	}
}

func TestKeylistQuery_PaginatesAndReturnsCursor(t *testing.T) {
	p, conns := newTestPlugin(t)
	keys := make([]string, keylistPageSize+5)
	for i := range keys {
		keys[i] = fmt.Sprintf("did:key:z6Mk%03d", i)
	}
	seedConnection(t, conns, "did:key:z6Mkalice", keys...)

	first, err := p.handleQuery(context.Background(), &mediator.Message{ID: "m1", From: "did:key:z6Mkalice"})
	if err != nil {
		t.Fatalf("handleQuery() error: %v", err)
	}
	firstBody := first.Body.(keylistResponseBody)
	if len(firstBody.Keys) != keylistPageSize {
		t.Fatalf("len(Keys) = %d, want %d", len(firstBody.Keys), keylistPageSize)
	}
	if firstBody.Cursor == "" {
		t.Fatal("expected a cursor since more keys remain")
	}

	second, err := p.handleQuery(context.Background(), &mediator.Message{
		ID:   "m2",
		From: "did:key:z6Mkalice",
		Body: map[string]any{"cursor": firstBody.Cursor},
	})
	if err != nil {
		t.Fatalf("handleQuery() error: %v", err)
	}
	secondBody := second.Body.(keylistResponseBody)
	if len(secondBody.Keys) != 5 {
		t.Fatalf("len(Keys) = %d, want 5", len(secondBody.Keys))
	}
	if secondBody.Cursor != "" {
		t.Errorf("Cursor = %q, want empty on the final page", secondBody.Cursor)
	}
}

func TestKeylistQuery_InvalidCursorIsMalformedBody(t *testing.T) {
	p, conns := newTestPlugin(t)
	seedConnection(t, conns, "did:key:z6Mkalice", "did:key:z6Mkone")

	_, err := p.handleQuery(context.Background(), &mediator.Message{
		ID:   "m1",
		From: "did:key:z6Mkalice",
		Body: map[string]any{"cursor": "not-a-number"},
	})
	if err == nil {
		t.Fatal("expected error for invalid cursor")
	}
}

func TestKeylistQuery_RequiresSenderDID(t *testing.T) {
	p, _ := newTestPlugin(t)
	_, err := p.handleQuery(context.Background(), &mediator.Message{ID: "m1"})
	if err == nil {
		t.Fatal("expected error for missing sender DID")
	}
}
