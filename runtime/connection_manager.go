package runtime

import (
	"context"
	"fmt"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"lingo-chat/errors"
	"log/slog"
	"sync"
	"time"
)

const disconnectTimeout = 5 * time.Second

// ConnectionManager owns the single messaging backend connection of the process.
// Only one identity is connected at a time: switching identity disconnects the
// previous one before the new connect starts.
//
// Every mutation runs while holding sem, so connects and disconnects never interleave.
// mu only protects the fields for readers (Current) and is never held across a network call.
type ConnectionManager struct {
	log     *slog.Logger
	backend contract.IBackend
	sem     chan struct{}

	mu       sync.Mutex
	conn     contract.IConnection
	identity conversation.Identity
	owners   map[string]struct{}
}

func NewConnectionManager(log *slog.Logger, backend contract.IBackend) *ConnectionManager {
	return &ConnectionManager{
		log:     log,
		backend: backend,
		sem:     make(chan struct{}, 1),
		owners:  make(map[string]struct{}),
	}
}

// Connect returns a connection for identity on behalf of owner.
// If the same identity is already connected the existing handle is returned
// and the backend is not called.
func (m *ConnectionManager) Connect(ctx context.Context, owner string,
	identity conversation.Identity, credential conversation.Credential) (contract.IConnection, error) {
	return m.connect(ctx, owner, identity, credential, false)
}

// Reconnect always replaces the current connection, even for the same identity.
// Used when the credential of a connected identity is rotated.
func (m *ConnectionManager) Reconnect(ctx context.Context, owner string,
	identity conversation.Identity, credential conversation.Credential) (contract.IConnection, error) {
	return m.connect(ctx, owner, identity, credential, true)
}

func (m *ConnectionManager) connect(ctx context.Context, owner string,
	identity conversation.Identity, credential conversation.Credential, force bool) (contract.IConnection, error) {
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConnection, err)
	}
	if err := credential.Validate(identity); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConnection, err)
	}
	if err := m.lock(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConnection, err)
	}
	defer m.unlock()

	current, currentIdentity, ok := m.held()
	if ok && closed(current) {
		// The socket went away on its own, nothing left to disconnect.
		m.log.Info("Dropping closed connection", "identity", currentIdentity.ID)
		m.clear()
		ok = false
	}
	if ok && currentIdentity == identity && !force {
		m.mu.Lock()
		m.owners[owner] = struct{}{}
		m.mu.Unlock()
		m.log.Debug("Connection reused", "identity", identity.ID, "owner", owner)
		return current, nil
	}

	// 1. The previous identity goes first, never two live sockets
	if ok {
		m.log.Info("Disconnecting previous identity", "identity", currentIdentity.ID)
		m.disconnectLocked(ctx, current)
	}

	// 2. Then the new identity
	m.log.Info("Connecting identity", "identity", identity.ID)
	conn, err := m.backend.Connect(ctx, identity, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConnection, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.identity = identity
	m.owners = map[string]struct{}{owner: {}}
	m.mu.Unlock()
	return conn, nil
}

// Disconnect discards conn if it is still the current connection.
// Failures are logged only: the handle is dropped either way.
func (m *ConnectionManager) Disconnect(ctx context.Context, conn contract.IConnection) {
	if err := m.lock(ctx); err != nil {
		m.log.Warn("Disconnect skipped", "error", err)
		return
	}
	defer m.unlock()

	if current, _, ok := m.held(); !ok || current != conn {
		m.log.Debug("Disconnect ignored for stale connection")
		return
	}
	m.disconnectLocked(ctx, conn)
}

// Release drops owner. The connection is closed once its last owner is gone.
func (m *ConnectionManager) Release(ctx context.Context, owner string) {
	if err := m.lock(ctx); err != nil {
		m.log.Warn("Release skipped", "owner", owner, "error", err)
		return
	}
	defer m.unlock()

	m.mu.Lock()
	_, owned := m.owners[owner]
	delete(m.owners, owner)
	remaining := len(m.owners)
	conn := m.conn
	m.mu.Unlock()

	if !owned || conn == nil {
		return
	}
	if remaining > 0 {
		m.log.Debug("Connection still in use", "owners", remaining)
		return
	}
	m.disconnectLocked(ctx, conn)
}

// Current returns the live connection and the identity behind it.
// A connection whose socket is closed is not reported.
func (m *ConnectionManager) Current() (contract.IConnection, conversation.Identity, bool) {
	conn, identity, ok := m.held()
	if !ok || closed(conn) {
		return nil, conversation.Identity{}, false
	}
	return conn, identity, true
}

// held returns the connection in store, closed or not.
func (m *ConnectionManager) held() (contract.IConnection, conversation.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn, m.identity, m.conn != nil
}

// disconnectLocked clears the state before returning, whatever the backend answers.
// The caller ctx may already be cancelled, the disconnect still gets a chance to go out.
func (m *ConnectionManager) disconnectLocked(ctx context.Context, conn contract.IConnection) {
	identity := m.clear()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := m.backend.Disconnect(dctx, conn); err != nil {
		m.log.Warn("Disconnect failed, connection discarded anyway",
			"identity", identity.ID, "error", err)
		return
	}
	m.log.Info("Disconnected", "identity", identity.ID)
}

// clear forgets the current connection and returns the identity it belonged to.
func (m *ConnectionManager) clear() conversation.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity := m.identity
	m.conn = nil
	m.identity = conversation.Identity{}
	m.owners = make(map[string]struct{})
	return identity
}

func closed(conn contract.IConnection) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

func (m *ConnectionManager) lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) unlock() {
	<-m.sem
}
