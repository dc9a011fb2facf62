//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"lingo-chat/domain/conversation"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// IBackend is the realtime messaging backend SDK.
// Connect opens one authenticated socket for an identity,
// Disconnect discards it.
type IBackend interface {
	Connect(ctx context.Context, identity conversation.Identity,
		credential conversation.Credential) (IConnection, error)
	Disconnect(ctx context.Context, conn IConnection) error
}

// IConnection is a live backend session bound to one identity.
type IConnection interface {
	// Channel returns the handle for a channel, creating it backend side on first watch.
	// No network call is made here.
	Channel(key conversation.ChannelKey, members []string) (IChannel, error)
	// Done is closed once the socket is gone, whoever closed it.
	Done() <-chan struct{}
}

// IChannel is a handle on one two-party conversation.
type IChannel interface {
	Watch(ctx context.Context) error
	SendMessage(ctx context.Context, text string) error
}

// ICredentialIssuer issues a backend credential for a subject (identity id).
type ICredentialIssuer interface {
	Issue(ctx context.Context, subjectID string) (conversation.Credential, error)
}

// ICredentialInvalidator is implemented by issuers keeping credentials around.
// Invalidate forgets the credential of subjectID so the next Issue mints a new one.
type ICredentialInvalidator interface {
	Invalidate(subjectID string) error
}

// IIdentityProvider returns the authenticated user, nil when signed out.
type IIdentityProvider interface {
	CurrentUser(ctx context.Context) (*conversation.Identity, error)
}

// Notifier surfaces user-facing outcomes (toasts in a UI, lines in a terminal).
type Notifier interface {
	Success(message string)
	Error(message string)
}
