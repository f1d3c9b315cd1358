package mediator

import (
	"fmt"
	"os"
	"strings"

	"github.com/layr8/didcomm-mediator/internal/didres"
	"github.com/layr8/didcomm-mediator/internal/model"
)

// StorageDriver names which model.Repository backend a Config selects.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StoragePostgres StorageDriver = "postgres"
)

// Config holds the configuration for a mediator process (spec §6, §9).
type Config struct {
	// PublicDomain is the externally-reachable base URL this mediator
	// advertises in generated routing DIDs' DIDCommMessaging service
	// endpoint (spec §4.G). Fallback: MEDIATOR_PUBLIC_DOMAIN.
	PublicDomain string

	// StorageDriver selects the repository backend. Fallback:
	// MEDIATOR_STORAGE_DRIVER. Defaults to "memory".
	StorageDriver StorageDriver

	// StorageDSN is the connection string for StorageDriver ==
	// StoragePostgres; ignored otherwise. Fallback: MEDIATOR_STORAGE_DSN.
	StorageDSN string

	// ListenAddr is the address the ingress HTTP server binds. Fallback:
	// MEDIATOR_LISTEN_ADDR. Defaults to ":8080".
	ListenAddr string

	// SupportedProtocols restricts which protocol plugins the
	// dispatcher mounts; empty means all registered plugins load
	// (spec §4.F discover-features advertises exactly this set).
	SupportedProtocols []string

	// LivePushAddr is the address the optional live-delivery push
	// server binds. Empty disables live push (spec §9 open question).
	// Fallback: MEDIATOR_LIVEPUSH_ADDR.
	LivePushAddr string
}

// ResolveConfig is resolveConfig's exported entry point for callers
// outside this package, namely cmd/mediator.
func ResolveConfig(cfg Config) (Config, error) {
	return resolveConfig(cfg)
}

// resolveConfig fills empty fields from environment variables,
// normalizes derived fields, and validates required fields, mirroring
// the teacher's resolveConfig shape.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.PublicDomain == "" {
		cfg.PublicDomain = os.Getenv("MEDIATOR_PUBLIC_DOMAIN")
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageDriver(os.Getenv("MEDIATOR_STORAGE_DRIVER"))
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageMemory
	}
	if cfg.StorageDSN == "" {
		cfg.StorageDSN = os.Getenv("MEDIATOR_STORAGE_DSN")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = os.Getenv("MEDIATOR_LISTEN_ADDR")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LivePushAddr == "" {
		cfg.LivePushAddr = os.Getenv("MEDIATOR_LIVEPUSH_ADDR")
	}

	if cfg.PublicDomain == "" {
		return cfg, fmt.Errorf("PublicDomain is required (set in Config or MEDIATOR_PUBLIC_DOMAIN env)")
	}
	if cfg.StorageDriver != StorageMemory && cfg.StorageDriver != StoragePostgres {
		return cfg, fmt.Errorf("unsupported StorageDriver %q", cfg.StorageDriver)
	}
	if cfg.StorageDriver == StoragePostgres && cfg.StorageDSN == "" {
		return cfg, fmt.Errorf("StorageDSN is required when StorageDriver is %q", StoragePostgres)
	}

	// Normalize a trailing slash off the advertised domain so routing
	// DID service endpoints don't end up with a doubled separator.
	cfg.PublicDomain = strings.TrimSuffix(cfg.PublicDomain, "/")

	return cfg, nil
}

// ServerState is the fully-resolved, read-only view of a running
// mediator process that protocol handlers and the dispatcher are given
// (spec §9 "ServerState"): a Config plus the live collaborators built
// from it. Construction (picking a store backend, building a resolver,
// minting or loading the mediator's own routing DID) lives in
// cmd/mediator, which is this package's sole caller of unexported
// construction helpers.
type ServerState struct {
	Config Config

	// OwnDID is the mediator's own routing DID, generated once at
	// startup (spec §4.G) and resolved locally thereafter.
	OwnDID model.DID

	// Resolver maps DIDs to DID documents (component A); protocol
	// plugins use it to validate/resolve agent DIDs they're handed.
	Resolver *didres.Resolver

	// Connections, Secrets and Messages are the three repositories the
	// protocol handlers operate against (spec §3/§4.B). Typed as the
	// generic Repository interface so a plugin's Mount can bind either
	// the in-memory or Postgres-backed implementation without caring
	// which.
	Connections model.Repository[*model.Connection]
	Secrets     model.Repository[*model.Secret]
	Messages    model.Repository[*model.RoutedMessage]

	// Pusher delivers a RoutedMessage's already-encrypted payload
	// straight to a recipient's live connection when one exists (spec
	// §9 live-delivery-change transport). Nil when LivePushAddr wasn't
	// configured, in which case a forwarded message only ever reaches
	// its recipient through a delivery-request poll.
	Pusher Pusher
}

// Pusher delivers payload to recipient's live connection, if any, and
// reports whether delivery happened. The message stays queued in the
// Messages repository regardless, so a missed or declined push is never
// the only way a recipient can retrieve it.
type Pusher interface {
	Push(recipient model.DID, payload []byte) bool
}
