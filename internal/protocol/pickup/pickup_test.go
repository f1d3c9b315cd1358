package pickup

import (
	"context"
	"testing"
	"time"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/model"
	"github.com/layr8/didcomm-mediator/internal/store/memory"
)

func newTestPlugin(t *testing.T, livePush bool) (*Plugin, model.Repository[*model.Connection], model.Repository[*model.RoutedMessage]) {
	t.Helper()
	conns := memory.New(memory.CloneConnection)
	msgs := memory.New(memory.CloneRoutedMessage)
	cfg := mediator.Config{}
	if livePush {
		cfg.LivePushAddr = ":9000"
	}
	p := &Plugin{}
	if err := p.Mount(&mediator.ServerState{
		Config:      cfg,
		OwnDID:      "did:web:mediator.example",
		Connections: conns,
		Messages:    msgs,
	}); err != nil {
		t.Fatalf("Mount() error: %v", err)
	}
	return p, conns, msgs
}

func seedConnection(t *testing.T, conns model.Repository[*model.Connection], clientDID string) *model.Connection {
	t.Helper()
	return seedConnectionWithKeylist(t, conns, clientDID, clientDID)
}

// seedConnectionWithKeylist seeds a Connection whose keylist is exactly the
// given DIDs, independent of clientDID (spec §3: a keylist member need not
// equal client_did).
func seedConnectionWithKeylist(t *testing.T, conns model.Repository[*model.Connection], clientDID string, keylist ...string) *model.Connection {
	t.Helper()
	conn, err := conns.Store(context.Background(), &model.Connection{ClientDID: clientDID, Keylist: keylist})
	if err != nil {
		t.Fatalf("seed Store() error: %v", err)
	}
	return conn
}

func seedMessage(t *testing.T, msgs model.Repository[*model.RoutedMessage], recipient string, receivedAt time.Time, payload string) *model.RoutedMessage {
	t.Helper()
	m, err := msgs.Store(context.Background(), &model.RoutedMessage{
		RecipientDID: recipient,
		Message:      []byte(payload),
		ReceivedAt:   receivedAt,
	})
	if err != nil {
		t.Fatalf("seed message Store() error: %v", err)
	}
	return m
}

func TestStatusRequest_CountsQueuedMessages(t *testing.T) {
	p, conns, msgs := newTestPlugin(t, false)
	seedConnection(t, conns, "did:key:z6Mkalice")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMessage(t, msgs, "did:key:z6Mkalice", base, `{"a":1}`)
	seedMessage(t, msgs, "did:key:z6Mkalice", base.Add(time.Minute), `{"b":2}`)

	reply, err := p.handleStatusRequest(context.Background(), &mediator.Message{ID: "m1", From: "did:key:z6Mkalice"})
	if err != nil {
		t.Fatalf("handleStatusRequest() error: %v", err)
	}
	body, ok := reply.Body.(statusBody)
	if !ok {
		t.Fatalf("reply.Body type = %T", reply.Body)
	}
	if body.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", body.MessageCount)
	}
}

func TestStatusRequest_AggregatesAcrossKeylistMembers(t *testing.T) {
	p, conns, msgs := newTestPlugin(t, false)
	seedConnectionWithKeylist(t, conns, "did:key:z6Mkalice", "did:key:z6Mkalice", "did:key:z6Mkdevice")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMessage(t, msgs, "did:key:z6Mkalice", base, `{"a":1}`)
	seedMessage(t, msgs, "did:key:z6Mkdevice", base.Add(time.Minute), `{"b":2}`)

	reply, err := p.handleStatusRequest(context.Background(), &mediator.Message{ID: "m1", From: "did:key:z6Mkalice"})
	if err != nil {
		t.Fatalf("handleStatusRequest() error: %v", err)
	}
	body := reply.Body.(statusBody)
	if body.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2 (counted across the whole keylist)", body.MessageCount)
	}
}

func TestStatusRequest_RecipientFilterRejectsNonKeylistMember(t *testing.T) {
	p, conns, _ := newTestPlugin(t, false)
	seedConnection(t, conns, "did:key:z6Mkalice")

	_, err := p.handleStatusRequest(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice", Body: map[string]any{"recipient_did": "did:key:z6Mkstranger"},
	})
	if err == nil {
		t.Fatal("expected error for a recipient_did outside the caller's keylist")
	}
}

func TestStatusRequest_RequiresKnownConnection(t *testing.T) {
	p, _, _ := newTestPlugin(t, false)
	_, err := p.handleStatusRequest(context.Background(), &mediator.Message{ID: "m1", From: "did:key:z6Mkstranger"})
	if err == nil {
		t.Fatal("expected error for unknown connection")
	}
}

func TestDeliveryRequest_PopsOldestFirst(t *testing.T) {
	p, conns, msgs := newTestPlugin(t, false)
	seedConnection(t, conns, "did:key:z6Mkalice")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMessage(t, msgs, "did:key:z6Mkalice", base.Add(2*time.Minute), `{"third":true}`)
	seedMessage(t, msgs, "did:key:z6Mkalice", base, `{"first":true}`)
	seedMessage(t, msgs, "did:key:z6Mkalice", base.Add(time.Minute), `{"second":true}`)

	reply, err := p.handleDeliveryRequest(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice", Body: map[string]any{"limit": 2},
	})
	if err != nil {
		t.Fatalf("handleDeliveryRequest() error: %v", err)
	}
	if len(reply.Attachments) != 2 {
		t.Fatalf("len(Attachments) = %d, want 2", len(reply.Attachments))
	}
	if string(reply.Attachments[0].Data.JSON) != `{"first":true}` {
		t.Errorf("first attachment = %s, want {\"first\":true}", reply.Attachments[0].Data.JSON)
	}
	if string(reply.Attachments[1].Data.JSON) != `{"second":true}` {
		t.Errorf("second attachment = %s, want {\"second\":true}", reply.Attachments[1].Data.JSON)
	}

	count, err := msgs.CountBy(context.Background(), func(r *model.RoutedMessage) bool { return r.RecipientDID == "did:key:z6Mkalice" })
	if err != nil || count != 3 {
		t.Errorf("CountBy() = %d, %v, want 3 (messages stay until acked)", count, err)
	}
}

func TestDeliveryRequest_DeliversMessageForNonClientKeylistMember(t *testing.T) {
	p, conns, msgs := newTestPlugin(t, false)
	seedConnectionWithKeylist(t, conns, "did:key:z6Mkalice", "did:key:z6Mkalice", "did:key:z6Mkdevice")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMessage(t, msgs, "did:key:z6Mkdevice", base, `{"routed":true}`)

	reply, err := p.handleDeliveryRequest(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice", Body: map[string]any{"limit": 10},
	})
	if err != nil {
		t.Fatalf("handleDeliveryRequest() error: %v", err)
	}
	if len(reply.Attachments) != 1 {
		t.Fatalf("len(Attachments) = %d, want 1 (a message routed to a keylist member other than client_did)", len(reply.Attachments))
	}
	if string(reply.Attachments[0].Data.JSON) != `{"routed":true}` {
		t.Errorf("attachment = %s, want {\"routed\":true}", reply.Attachments[0].Data.JSON)
	}
}

func TestDeliveryRequest_RecipientDIDFiltersToOneKeylistMember(t *testing.T) {
	p, conns, msgs := newTestPlugin(t, false)
	seedConnectionWithKeylist(t, conns, "did:key:z6Mkalice", "did:key:z6Mkalice", "did:key:z6Mkdevice")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMessage(t, msgs, "did:key:z6Mkalice", base, `{"for":"alice"}`)
	seedMessage(t, msgs, "did:key:z6Mkdevice", base, `{"for":"device"}`)

	reply, err := p.handleDeliveryRequest(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice",
		Body: map[string]any{"limit": 10, "recipient_did": "did:key:z6Mkdevice"},
	})
	if err != nil {
		t.Fatalf("handleDeliveryRequest() error: %v", err)
	}
	if len(reply.Attachments) != 1 || string(reply.Attachments[0].Data.JSON) != `{"for":"device"}` {
		t.Fatalf("Attachments = %+v, want exactly the device-scoped message", reply.Attachments)
	}
}

func TestDeliveryRequest_RecipientDIDRejectsNonKeylistMember(t *testing.T) {
	p, conns, _ := newTestPlugin(t, false)
	seedConnection(t, conns, "did:key:z6Mkalice")

	_, err := p.handleDeliveryRequest(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice",
		Body: map[string]any{"limit": 10, "recipient_did": "did:key:z6Mkstranger"},
	})
	if err == nil {
		t.Fatal("expected error for a recipient_did outside the caller's keylist")
	}
}

func TestMessagesReceived_AcksNonClientKeylistMember(t *testing.T) {
	p, conns, msgs := newTestPlugin(t, false)
	seedConnectionWithKeylist(t, conns, "did:key:z6Mkalice", "did:key:z6Mkalice", "did:key:z6Mkdevice")
	m := seedMessage(t, msgs, "did:key:z6Mkdevice", time.Now(), `{"routed":true}`)

	reply, err := p.handleMessagesReceived(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice",
		Body: map[string]any{"message_id_list": []any{m.ID}},
	})
	if err != nil {
		t.Fatalf("handleMessagesReceived() error: %v", err)
	}
	body := reply.Body.(statusBody)
	if body.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", body.MessageCount)
	}

	_, found, err := msgs.FindOne(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("FindOne() error: %v", err)
	}
	if found {
		t.Error("expected the acked message routed to a non-client_did keylist member to be deleted")
	}
}

func TestMessagesReceived_DeletesAckedScopedToCaller(t *testing.T) {
	p, conns, msgs := newTestPlugin(t, false)
	seedConnection(t, conns, "did:key:z6Mkalice")
	seedConnection(t, conns, "did:key:z6Mkbob")
	m1 := seedMessage(t, msgs, "did:key:z6Mkalice", time.Now(), `{"a":1}`)
	m2 := seedMessage(t, msgs, "did:key:z6Mkbob", time.Now(), `{"b":1}`)

	reply, err := p.handleMessagesReceived(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice",
		Body: map[string]any{"message_id_list": []any{m1.ID, m2.ID}},
	})
	if err != nil {
		t.Fatalf("handleMessagesReceived() error: %v", err)
	}
	body := reply.Body.(statusBody)
	if body.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", body.MessageCount)
	}

	_, found, err := msgs.FindOne(context.Background(), m2.ID)
	if err != nil || !found {
		t.Errorf("bob's message should survive alice's ack, found=%v err=%v", found, err)
	}
}

func TestLiveDeliveryChange_NotSupportedWithoutLivePush(t *testing.T) {
	p, conns, _ := newTestPlugin(t, false)
	seedConnection(t, conns, "did:key:z6Mkalice")

	reply, err := p.handleLiveDeliveryChange(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice", Body: map[string]any{"live_delivery": true},
	})
	if err != nil {
		t.Fatalf("handleLiveDeliveryChange() error: %v", err)
	}
	if reply.Type != typeProblemReport {
		t.Errorf("reply.Type = %q, want %q", reply.Type, typeProblemReport)
	}
}

func TestLiveDeliveryChange_SetsFlagWhenSupported(t *testing.T) {
	p, conns, _ := newTestPlugin(t, true)
	seedConnection(t, conns, "did:key:z6Mkalice")

	reply, err := p.handleLiveDeliveryChange(context.Background(), &mediator.Message{
		ID: "m1", From: "did:key:z6Mkalice", Body: map[string]any{"live_delivery": true},
	})
	if err != nil {
		t.Fatalf("handleLiveDeliveryChange() error: %v", err)
	}
	if reply.Type != typeStatus {
		t.Errorf("reply.Type = %q, want %q", reply.Type, typeStatus)
	}

	conn, found, err := conns.FindOneBy(context.Background(), func(c *model.Connection) bool { return c.ClientDID == "did:key:z6Mkalice" })
	if err != nil || !found || !conn.LiveDelivery {
		t.Errorf("expected LiveDelivery=true, got conn=%+v found=%v err=%v", conn, found, err)
	}
}
