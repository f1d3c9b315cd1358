// Package rotation implements the DID-rotation handler (spec §4.E): it
// verifies a from_prior JWT carried on an inbound plaintext message and,
// if valid, atomically updates the sending Connection's client_did and
// keylist.
package rotation

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layr8/didcomm-mediator/internal/didres"
	"github.com/layr8/didcomm-mediator/internal/model"
)

// ErrInvalidFromPrior/ErrUnknownIssuer mirror the root package's
// ErrorKind values (spec §4.E); rotation does not import the root
// package, and internal/ingress maps these onto those kinds.
var (
	ErrInvalidFromPrior = fmt.Errorf("invalid from_prior JWT")
	ErrUnknownIssuer    = fmt.Errorf("no connection for from_prior issuer")
)

// Claims is the from_prior JWT's claim set (DIDComm §did-rotation): iss
// is the previous DID, sub the new one.
type Claims struct {
	jwt.RegisteredClaims
}

// ConnectionRepository is the subset of model.Repository[*model.Connection]
// rotation needs.
type ConnectionRepository interface {
	FindOneBy(ctx context.Context, f model.Filter[*model.Connection]) (*model.Connection, bool, error)
	Update(ctx context.Context, c *model.Connection) (*model.Connection, error)
	DeleteOne(ctx context.Context, id string) error
}

// AtomicConnectionRepository is implemented by repositories (the
// in-memory store) that can perform a read-modify-write under a single
// lock; Rotate prefers this when available, per spec §5's "per-
// connection serialization" requirement.
type AtomicConnectionRepository interface {
	WithLock(id string, fn func(current *model.Connection, found bool) (*model.Connection, error)) (*model.Connection, error)
}

// Resolver is the subset of didres.Resolver rotation needs: resolving
// the previous DID's authentication key to verify the JWT's signature.
type Resolver interface {
	Resolve(ctx context.Context, did model.DID) (*model.DIDDocument, error)
}

var _ Resolver = (*didres.Resolver)(nil)

// Rotate verifies fromPriorJWT and, on success, applies the rotation to
// the Connection whose client_did equals the JWT's issuer (spec §4.E
// steps 1-5). It returns (nil, nil) if fromPriorJWT is empty — no
// rotation requested, not an error.
func Rotate(ctx context.Context, repo ConnectionRepository, resolver Resolver, fromPriorJWT string) (*model.Connection, error) {
	if fromPriorJWT == "" {
		return nil, nil
	}

	claims, err := verify(ctx, resolver, fromPriorJWT)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFromPrior, err)
	}

	iss, sub := claims.Issuer, claims.Subject
	if iss == "" {
		return nil, fmt.Errorf("%w: missing iss claim", ErrInvalidFromPrior)
	}

	conn, found, err := repo.FindOneBy(ctx, func(c *model.Connection) bool { return c.ClientDID == iss })
	if err != nil {
		return nil, fmt.Errorf("find connection for issuer: %w", err)
	}
	if !found {
		return nil, ErrUnknownIssuer
	}

	if sub == "" {
		if err := repo.DeleteOne(ctx, conn.ID); err != nil {
			return nil, fmt.Errorf("delete rotated-out connection: %w", err)
		}
		return nil, nil
	}

	apply := func(c *model.Connection) *model.Connection {
		c.RemoveKey(iss)
		c.AddKey(sub)
		c.ClientDID = sub
		return c
	}

	if atomic, ok := repo.(AtomicConnectionRepository); ok {
		updated, err := atomic.WithLock(conn.ID, func(current *model.Connection, found bool) (*model.Connection, error) {
			if !found {
				return nil, ErrUnknownIssuer
			}
			return apply(current), nil
		})
		if err != nil {
			return nil, fmt.Errorf("rotate connection: %w", err)
		}
		return updated, nil
	}

	updated, err := repo.Update(ctx, apply(conn))
	if err != nil {
		return nil, fmt.Errorf("rotate connection: %w", err)
	}
	return updated, nil
}

// verify parses and validates fromPriorJWT, resolving the issuer's
// authentication key through resolver to check the signature (DIDComm
// §did-rotation: "signed by iss, the previous DID's authentication
// key").
func verify(ctx context.Context, resolver Resolver, fromPriorJWT string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(fromPriorJWT, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unsupported signing method %v", t.Header["alg"])
		}

		iss, _ := t.Claims.(*Claims)
		if iss == nil || iss.Issuer == "" {
			return nil, fmt.Errorf("missing iss claim")
		}

		doc, err := resolver.Resolve(ctx, iss.Issuer)
		if err != nil {
			return nil, fmt.Errorf("resolve issuer %s: %w", iss.Issuer, err)
		}
		if len(doc.Authentication) == 0 {
			return nil, fmt.Errorf("issuer %s has no authentication key", iss.Issuer)
		}

		_, raw, err := didres.DecodeMultibaseKey(doc.Authentication[0].PublicKeyMultibase)
		if err != nil {
			return nil, fmt.Errorf("decode issuer authentication key: %w", err)
		}
		return ed25519.PublicKey(raw), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token not valid")
	}
	return &claims, nil
}
