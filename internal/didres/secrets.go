package didres

import (
	"context"
	"fmt"

	"github.com/layr8/didcomm-mediator/internal/model"
)

// SecretRepository is the subset of model.Repository[*model.Secret] the
// resolver needs, kept narrow so callers can supply an in-memory or
// postgres-backed store interchangeably.
type SecretRepository interface {
	FindOne(ctx context.Context, id string) (*model.Secret, bool, error)
	FindOneBy(ctx context.Context, f model.Filter[*model.Secret]) (*model.Secret, bool, error)
}

// FindSecret looks up the private key material for a kid (spec §4.A
// find_secret operation): the mediator's own keys are addressed by kid
// directly, so the lookup is a plain FindOneBy over the Kid field rather
// than a by-ID lookup (the repository's ID and the DIDComm kid are
// distinct identifiers).
func FindSecret(ctx context.Context, repo SecretRepository, kid model.KID) (*model.Secret, error) {
	secret, found, err := repo.FindOneBy(ctx, func(s *model.Secret) bool { return s.Kid == kid })
	if err != nil {
		return nil, fmt.Errorf("find secret %s: %w", kid, err)
	}
	if !found {
		return nil, fmt.Errorf("no secret for kid %s", kid)
	}
	return secret, nil
}
