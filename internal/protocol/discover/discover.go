// Package discover implements DIDComm discover-features 2.0 (spec §4.K):
// capability advertisement against the configured supported-protocol
// list, with a trailing ".*" minor-version wildcard.
package discover

import (
	"context"
	"strconv"
	"strings"

	mediator "github.com/layr8/didcomm-mediator"
)

const (
	typeQueries     = "https://didcomm.org/discover-features/2.0/queries"
	typeDisclosures = "https://didcomm.org/discover-features/2.0/disclosures"
)

// Plugin implements mediator.ProtocolPlugin.
type Plugin struct {
	ownDID    string
	protocols []string // configured supported-protocol list
}

func (p *Plugin) Name() string { return "discover-features" }

func (p *Plugin) Mount(state *mediator.ServerState) error {
	p.ownDID = state.OwnDID
	p.protocols = state.Config.SupportedProtocols
	return nil
}

func (p *Plugin) Routes() map[string]mediator.HandlerFunc {
	return map[string]mediator.HandlerFunc{
		typeQueries: p.handleQueries,
	}
}

type featureQuery struct {
	FeatureType string `json:"feature-type"`
	Match       string `json:"match"`
}

type queriesBody struct {
	Queries []featureQuery `json:"queries"`
}

type disclosure struct {
	FeatureType string `json:"feature-type"`
	ID          string `json:"id"`
}

type disclosuresBody struct {
	Disclosures []disclosure `json:"disclosures"`
}

// handleQueries implements spec §4.K's discover-features row: for each
// "protocol" query, match against p.protocols and disclose every match,
// collapsing a trailing ".*" minor-version wildcard to its single
// highest-minor match.
func (p *Plugin) handleQueries(ctx context.Context, msg *mediator.Message) (*mediator.Message, error) {
	var body queriesBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, mediator.NewError(mediator.ErrMalformedBody, err).WithMessage(msg)
	}

	var disclosures []disclosure
	for _, q := range body.Queries {
		if q.FeatureType != "protocol" {
			continue
		}
		for _, id := range p.matchProtocol(q.Match) {
			disclosures = append(disclosures, disclosure{FeatureType: "protocol", ID: id})
		}
	}

	return msg.Reply(typeDisclosures, p.ownDID, disclosuresBody{Disclosures: disclosures}), nil
}

// matchProtocol returns the configured protocol URIs matching match. A
// match ending in ".*" is a minor-version wildcard over its major-version
// prefix: among supported protocols sharing that prefix, only the one
// with the highest minor version is returned.
func (p *Plugin) matchProtocol(match string) []string {
	if !strings.HasSuffix(match, ".*") {
		for _, proto := range p.protocols {
			if proto == match {
				return []string{proto}
			}
		}
		return nil
	}

	prefix := strings.TrimSuffix(match, ".*") + "."
	best := ""
	bestMinor := -1
	for _, proto := range p.protocols {
		rest, ok := strings.CutPrefix(proto, prefix)
		if !ok {
			continue
		}
		minor, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if minor > bestMinor {
			bestMinor = minor
			best = proto
		}
	}
	if best == "" {
		return nil
	}
	return []string{best}
}
