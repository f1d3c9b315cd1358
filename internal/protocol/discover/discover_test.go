package discover

import (
	"context"
	"testing"

	mediator "github.com/layr8/didcomm-mediator"
)

func newTestPlugin(t *testing.T, protocols []string) *Plugin {
	t.Helper()
	p := &Plugin{}
	if err := p.Mount(&mediator.ServerState{
		OwnDID: "did:web:mediator.example",
		Config: mediator.Config{SupportedProtocols: protocols},
	}); err != nil {
		t.Fatalf("Mount() error: %v", err)
	}
	return p
}

func TestHandleQueries_ExactMatch(t *testing.T) {
	p := newTestPlugin(t, []string{
		"https://didcomm.org/coordinate-mediation/2.0",
		"https://didcomm.org/trust-ping/2.0",
	})

	reply, err := p.handleQueries(context.Background(), &mediator.Message{
		ID: "m1",
		Body: map[string]any{
			"queries": []any{
				map[string]any{"feature-type": "protocol", "match": "https://didcomm.org/trust-ping/2.0"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleQueries() error: %v", err)
	}
	body := reply.Body.(disclosuresBody)
	if len(body.Disclosures) != 1 || body.Disclosures[0].ID != "https://didcomm.org/trust-ping/2.0" {
		t.Errorf("Disclosures = %+v", body.Disclosures)
	}
}

func TestHandleQueries_MinorVersionWildcardPicksHighest(t *testing.T) {
	p := newTestPlugin(t, []string{
		"https://didcomm.org/coordinate-mediation/2.0",
		"https://didcomm.org/coordinate-mediation/2.1",
		"https://didcomm.org/trust-ping/2.0",
	})

	reply, err := p.handleQueries(context.Background(), &mediator.Message{
		ID: "m1",
		Body: map[string]any{
			"queries": []any{
				map[string]any{"feature-type": "protocol", "match": "https://didcomm.org/coordinate-mediation/2.*"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleQueries() error: %v", err)
	}
	body := reply.Body.(disclosuresBody)
	if len(body.Disclosures) != 1 || body.Disclosures[0].ID != "https://didcomm.org/coordinate-mediation/2.1" {
		t.Errorf("Disclosures = %+v, want single highest-minor match", body.Disclosures)
	}
}

func TestHandleQueries_NoMatchYieldsNoDisclosure(t *testing.T) {
	p := newTestPlugin(t, []string{"https://didcomm.org/trust-ping/2.0"})

	reply, err := p.handleQueries(context.Background(), &mediator.Message{
		ID: "m1",
		Body: map[string]any{
			"queries": []any{
				map[string]any{"feature-type": "protocol", "match": "https://didcomm.org/unknown/1.0"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleQueries() error: %v", err)
	}
	body := reply.Body.(disclosuresBody)
	if len(body.Disclosures) != 0 {
		t.Errorf("Disclosures = %+v, want none", body.Disclosures)
	}
}

func TestHandleQueries_IgnoresNonProtocolFeatureType(t *testing.T) {
	p := newTestPlugin(t, []string{"https://didcomm.org/trust-ping/2.0"})

	reply, err := p.handleQueries(context.Background(), &mediator.Message{
		ID: "m1",
		Body: map[string]any{
			"queries": []any{
				map[string]any{"feature-type": "goal-code", "match": "aries.sell.goods"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handleQueries() error: %v", err)
	}
	body := reply.Body.(disclosuresBody)
	if len(body.Disclosures) != 0 {
		t.Errorf("Disclosures = %+v, want none", body.Disclosures)
	}
}
