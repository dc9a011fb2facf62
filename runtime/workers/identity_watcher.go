package workers

import (
	"context"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"log/slog"
	"time"
)

// IdentitySink receives the authenticated user, nil once signed out.
type IdentitySink interface {
	SetIdentity(identity *conversation.Identity)
}

// IdentityWatcher polls the identity provider and forwards every change.
// A failed poll keeps the last known identity.
type IdentityWatcher struct {
	log      *slog.Logger
	provider contract.IIdentityProvider
	sink     IdentitySink
	interval time.Duration
}

func NewIdentityWatcher(log *slog.Logger, provider contract.IIdentityProvider,
	sink IdentitySink, interval time.Duration) *IdentityWatcher {
	return &IdentityWatcher{log: log, provider: provider, sink: sink, interval: interval}
}

func (w *IdentityWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last *conversation.Identity
	known := false
	for {
		identity, err := w.provider.CurrentUser(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				w.log.Warn("Identity lookup failed", "error", err)
			}
		case !known || !sameIdentity(last, identity):
			w.log.Info("Identity changed", "signed_in", identity != nil)
			w.sink.SetIdentity(identity)
			last, known = identity, true
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sameIdentity(a, b *conversation.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
