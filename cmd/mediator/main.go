// Command mediator runs the DIDComm v2 mediator HTTP server: it resolves
// configuration, provisions the mediator's own routing identity, wires
// every protocol plugin into a Registry, and serves ingress on
// Config.ListenAddr (plus an optional live-push WebSocket listener).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/didres"
	"github.com/layr8/didcomm-mediator/internal/ingress"
	"github.com/layr8/didcomm-mediator/internal/livepush"
	"github.com/layr8/didcomm-mediator/internal/model"
	"github.com/layr8/didcomm-mediator/internal/protocol/discover"
	"github.com/layr8/didcomm-mediator/internal/protocol/forward"
	"github.com/layr8/didcomm-mediator/internal/protocol/keylist"
	"github.com/layr8/didcomm-mediator/internal/protocol/mediation"
	"github.com/layr8/didcomm-mediator/internal/protocol/pickup"
	"github.com/layr8/didcomm-mediator/internal/protocol/trustping"
	"github.com/layr8/didcomm-mediator/internal/store/memory"
	"github.com/layr8/didcomm-mediator/internal/store/postgres"
)

func main() {
	var cfg mediator.Config
	flag.StringVar(&cfg.PublicDomain, "public-domain", "", "externally-reachable base URL (env MEDIATOR_PUBLIC_DOMAIN)")
	flag.StringVar((*string)(&cfg.StorageDriver), "storage-driver", "", "memory or postgres (env MEDIATOR_STORAGE_DRIVER)")
	flag.StringVar(&cfg.StorageDSN, "storage-dsn", "", "postgres connection string (env MEDIATOR_STORAGE_DSN)")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", "", "ingress HTTP listen address (env MEDIATOR_LISTEN_ADDR)")
	flag.StringVar(&cfg.LivePushAddr, "livepush-addr", "", "optional live-delivery WebSocket listen address (env MEDIATOR_LIVEPUSH_ADDR)")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	state, cleanup, err := buildServerState(cfg)
	if err != nil {
		logger.Fatalf("build server state: %v", err)
	}
	defer cleanup()

	hub := livepush.NewHub()
	if state.Config.LivePushAddr != "" {
		state.Pusher = hub
	}

	registry := mediator.NewRegistry(mediator.WithAsyncErrorHandler(func(kind mediator.ErrorKind, cause error) {
		logger.Printf("[dispatch] %s: %v", kind, cause)
	}))

	// Config.SupportedProtocols, when non-empty, restricts which
	// plugins load at all (spec §4.F); discover-features is loaded last
	// so it can advertise either that configured restriction or, if
	// none was given, the protocol set actually mounted.
	restrict := len(state.Config.SupportedProtocols) > 0
	allowed := make(map[string]bool, len(state.Config.SupportedProtocols))
	for _, proto := range state.Config.SupportedProtocols {
		allowed[proto] = true
	}

	corePlugins := []mediator.ProtocolPlugin{
		&mediation.Plugin{},
		&keylist.Plugin{},
		&forward.Plugin{},
		&pickup.Plugin{},
		&trustping.Plugin{},
	}
	for _, p := range corePlugins {
		if restrict && !anyRouteAllowed(p, allowed) {
			continue
		}
		if err := registry.Load(state, p); err != nil {
			logger.Fatalf("load plugin %q: %v", p.Name(), err)
		}
	}
	if !restrict {
		state.Config.SupportedProtocols = registry.Protocols()
	}
	if err := registry.Load(state, &discover.Plugin{}); err != nil {
		logger.Fatalf("load plugin %q: %v", "discover-features", err)
	}

	ownKeys, err := ownRecipientKeys(state.OwnDID, state)
	if err != nil {
		logger.Fatalf("load own recipient keys: %v", err)
	}

	handler := &ingress.Handler{
		Dispatcher:  registry,
		Resolver:    state.Resolver,
		OwnDID:      state.OwnDID,
		OwnKeys:     ownKeys,
		Connections: state.Connections,
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if state.Config.LivePushAddr != "" {
		mux.Handle("/live-delivery", hub)
	}

	server := &http.Server{
		Addr:              state.Config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Printf("mediator %s listening on %s", state.OwnDID, state.Config.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
}

// buildServerState resolves cfg, constructs the selected storage backend,
// and mints the mediator's own routing identity (spec §4.A: the
// mediator's own DID resolves locally). The returned cleanup closes any
// backing database connection.
func buildServerState(cfg mediator.Config) (*mediator.ServerState, func(), error) {
	resolved, err := mediator.ResolveConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	var (
		connections model.Repository[*model.Connection]
		secrets     model.Repository[*model.Secret]
		messages    model.Repository[*model.RoutedMessage]
		cleanup     = func() {}
	)

	switch resolved.StorageDriver {
	case mediator.StorageMemory:
		connections = memory.New(memory.CloneConnection)
		secrets = memory.New(memory.CloneSecret)
		messages = memory.New(memory.CloneRoutedMessage)
	case mediator.StoragePostgres:
		db, err := postgres.Open(resolved.StorageDSN)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { db.Close() }

		connStore := postgres.New(db, "connections", func() *model.Connection { return new(model.Connection) })
		secretStore := postgres.New(db, "secrets", func() *model.Secret { return new(model.Secret) })
		msgStore := postgres.New(db, "routed_messages", func() *model.RoutedMessage { return new(model.RoutedMessage) })

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, ensure := range []interface {
			EnsureTable(ctx context.Context) error
		}{connStore, secretStore, msgStore} {
			if err := ensure.EnsureTable(ctx); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("ensure table: %w", err)
			}
		}

		connections, secrets, messages = connStore, secretStore, msgStore
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", resolved.StorageDriver)
	}

	ownDID, ownSecrets, err := didres.GenerateRoutingDID(resolved.PublicDomain)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("mint own identity: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range ownSecrets {
		if _, err := secrets.Store(ctx, s); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("persist own secret: %w", err)
		}
	}

	ownDoc, err := didres.ResolvePeer(ownDID)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("expand own did:peer: %w", err)
	}

	resolver := didres.NewResolver(ownDID, ownDoc)

	return &mediator.ServerState{
		Config:      resolved,
		OwnDID:      ownDID,
		Resolver:    resolver,
		Connections: connections,
		Secrets:     secrets,
		Messages:    messages,
	}, cleanup, nil
}

// ownRecipientKeys loads the mediator's own key-agreement private keys
// from the Secret repository, in the raw scalar form envelope.Unpack
// needs, so ingress can try each against an inbound envelope's
// recipients array (spec §4.C).
func ownRecipientKeys(ownDID model.DID, state *mediator.ServerState) ([]ingress.RecipientKey, error) {
	ownDoc, err := state.Resolver.Resolve(context.Background(), ownDID)
	if err != nil {
		return nil, err
	}

	var keys []ingress.RecipientKey
	for _, vm := range ownDoc.KeyAgreement {
		secret, err := didres.FindSecret(context.Background(), secretRepoAdapter{state.Secrets}, vm.ID)
		if err != nil {
			return nil, err
		}
		_, _, d, err := didres.ParseOKPJWK(secret.Material)
		if err != nil {
			return nil, fmt.Errorf("parse own key-agreement secret %s: %w", vm.ID, err)
		}
		keys = append(keys, ingress.RecipientKey{Kid: vm.ID, Priv: d})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("mediator's own DID document has no key-agreement entries")
	}
	return keys, nil
}

// secretRepoAdapter narrows a model.Repository[*model.Secret] to
// didres.SecretRepository.
type secretRepoAdapter struct {
	repo model.Repository[*model.Secret]
}

func (a secretRepoAdapter) FindOne(ctx context.Context, id string) (*model.Secret, bool, error) {
	return a.repo.FindOne(ctx, id)
}

func (a secretRepoAdapter) FindOneBy(ctx context.Context, f model.Filter[*model.Secret]) (*model.Secret, bool, error) {
	return a.repo.FindOneBy(ctx, f)
}

// anyRouteAllowed reports whether any of p's registered message types
// belongs to a protocol in allowed.
func anyRouteAllowed(p mediator.ProtocolPlugin, allowed map[string]bool) bool {
	for msgType := range p.Routes() {
		if allowed[mediator.ProtocolOf(msgType)] {
			return true
		}
	}
	return false
}
