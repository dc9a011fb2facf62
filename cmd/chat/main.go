package main

import (
	"context"
	"fmt"
	"lingo-chat/auth"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"lingo-chat/realtime"
	"lingo-chat/runtime"
	"lingo-chat/runtime/workers"
	"lingo-chat/storage"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	terminal := NewTerminal(os.Stdout)

	// 2. Identity and credentials
	provider, issuer, err := identitySources(log, config)
	if err != nil {
		return err
	}
	if config.CredentialCache != "" {
		db, err := storage.OpenDB(config.CredentialCache)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("Closing BadgerDB...")
			_ = db.Close()
		}()
		issuer = storage.NewCredentialCache(log, db, issuer, config.CredentialRefreshLead)
	}

	// 3. Messaging backend and session
	backend := realtime.NewClient(log, config.ChatBackendURL, config.ChatAPIKey).
		WithMessageHandler(terminal.Incoming)
	conns := runtime.NewConnectionManager(log, backend)
	session := runtime.NewSessionController(log, conns, issuer, terminal, runtime.SessionConfig{
		CallBaseURL:       config.CallBaseURL,
		RefreshLead:       config.CredentialRefreshLead,
		RefreshRetryDelay: config.CredentialRefreshRetry,
		AttemptTimeout:    config.ConnectTimeout,
		ReleaseTimeout:    config.ReleaseTimeout,
	})
	session.SetTarget(config.ChatTargetID)

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Supervision
	sup := workers.NewSupervisor(log)
	console := NewConsole(log, os.Stdin, terminal, session, config.ChatTargetID, sup.Stop)
	identities := workers.NewIdentityWatcher(log, provider, session, config.IdentityPollInterval)
	sup.Add(session, console, identities)

	log.Info("Chat client started", "backend", config.ChatBackendURL, "local", config.localMode())
	sup.Run(ctx)

	// Release is asynchronous, give the session a last chance to disconnect
	if current, identity, ok := conns.Current(); ok {
		log.Info("Closing connection on exit", "identity", identity.ID)
		conns.Disconnect(context.Background(), current)
	}
	log.Info("Chat client stopped")
	return nil
}

// identitySources picks where the user and the chat credentials come from:
// the application API with a session cookie, or the local environment.
func identitySources(log *slog.Logger, config Config) (contract.IIdentityProvider, contract.ICredentialIssuer, error) {
	if config.localMode() {
		if config.LocalSigningKey == "" {
			return nil, nil, fmt.Errorf("config error: LOCAL_SIGNING_KEY is required with LOCAL_USER_ID")
		}
		identity := conversation.Identity{ID: config.LocalUserID, Name: config.LocalUserName}
		if err := identity.Validate(); err != nil {
			return nil, nil, fmt.Errorf("config error: %w", err)
		}
		return staticIdentity{identity: identity},
			auth.NewTokenIssuer([]byte(config.LocalSigningKey), config.LocalTokenTTL), nil
	}

	if config.APIBaseURL == "" {
		return nil, nil, fmt.Errorf("config error: API_BASE_URL or LOCAL_USER_ID is required")
	}
	client := auth.NewSessionClient(log, config.APIBaseURL, config.SessionCookie, config.ConnectTimeout)
	return client, client, nil
}

type staticIdentity struct {
	identity conversation.Identity
}

func (s staticIdentity) CurrentUser(context.Context) (*conversation.Identity, error) {
	identity := s.identity
	return &identity, nil
}
