package runtime

import (
	"context"
	"fmt"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"lingo-chat/errors"
	"lingo-chat/mocks"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestConnectionManager_ReusesSameIdentity(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	conn := liveConnection(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	// Given a single backend connect
	backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(conn, nil).Times(1)

	first, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)

	// When the same identity connects again
	second, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)

	// Then the handle is returned unchanged
	req.Equal(first, second)
	current, identity, ok := manager.Current()
	req.True(ok)
	req.Equal(first, current)
	req.Equal(alice, identity)
}

func TestConnectionManager_SwitchIdentityDisconnectsFirst(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	aliceConn := liveConnection(ctrl)
	bobConn := liveConnection(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	gomock.InOrder(
		backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(aliceConn, nil),
		backend.EXPECT().Disconnect(gomock.Any(), aliceConn).Return(nil),
		backend.EXPECT().Connect(gomock.Any(), bob, bobCred).Return(bobConn, nil),
	)

	_, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)
	conn, err := manager.Connect(context.Background(), "page-1", bob, bobCred)
	req.NoError(err)
	req.Equal(contract.IConnection(bobConn), conn)

	_, identity, _ := manager.Current()
	req.Equal(bob, identity)
}

func TestConnectionManager_NameChangeIsANewIdentity(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	first := liveConnection(ctrl)
	second := liveConnection(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)
	renamed := alice
	renamed.Name = "Alice B."

	gomock.InOrder(
		backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(first, nil),
		backend.EXPECT().Disconnect(gomock.Any(), first).Return(nil),
		backend.EXPECT().Connect(gomock.Any(), renamed, aliceCred).Return(second, nil),
	)

	_, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)
	_, err = manager.Connect(context.Background(), "page-1", renamed, aliceCred)
	req.NoError(err)
}

func TestConnectionManager_NeverTwoLiveConnections(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	var live, maxLive atomic.Int32
	backend.EXPECT().Connect(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ conversation.Identity, _ conversation.Credential) (contract.IConnection, error) {
			n := live.Add(1)
			if n > maxLive.Load() {
				maxLive.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			return liveConnection(ctrl), nil
		}).AnyTimes()
	backend.EXPECT().Disconnect(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ contract.IConnection) error {
			live.Add(-1)
			return nil
		}).AnyTimes()

	// When two identities race for the connection
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity, credential := alice, aliceCred
			if i%2 == 0 {
				identity, credential = bob, bobCred
			}
			_, _ = manager.Connect(context.Background(), fmt.Sprintf("page-%d", i), identity, credential)
		}(i)
	}
	wg.Wait()

	// Then at most one was ever alive
	req.EqualValues(1, maxLive.Load())
	req.EqualValues(1, live.Load())
}

func TestConnectionManager_RejectsForeignCredential(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	backend.EXPECT().Connect(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := manager.Connect(context.Background(), "page-1", alice, bobCred)
	req.ErrorIs(err, errors.ErrConnection)
	req.ErrorIs(err, errors.ErrCredentialMismatch)

	_, err = manager.Connect(context.Background(), "page-1", conversation.Identity{}, aliceCred)
	req.ErrorIs(err, errors.ErrInvalidIdentity)
}

func TestConnectionManager_ConnectFailureLeavesNoConnection(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(nil, fmt.Errorf("dial refused"))

	_, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.ErrorIs(err, errors.ErrConnection)
	req.ErrorContains(err, "dial refused")
	_, _, ok := manager.Current()
	req.False(ok)
}

func TestConnectionManager_DisconnectIsBestEffort(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	conn := liveConnection(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(conn, nil)
	// Given a network failure on disconnect
	backend.EXPECT().Disconnect(gomock.Any(), conn).Return(fmt.Errorf("socket already closed")).Times(1)

	_, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)

	// When disconnecting, then the handle is dropped anyway
	manager.Disconnect(context.Background(), conn)
	_, _, ok := manager.Current()
	req.False(ok)

	// And a stale handle is ignored
	manager.Disconnect(context.Background(), conn)
}

func TestConnectionManager_ReleaseDisconnectsLastOwner(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	conn := liveConnection(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(conn, nil).Times(1)

	_, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)
	_, err = manager.Connect(context.Background(), "page-2", alice, aliceCred)
	req.NoError(err)

	// Given two owners, the first release keeps the connection
	manager.Release(context.Background(), "page-1")
	_, _, ok := manager.Current()
	req.True(ok)

	// A stranger cannot close it either
	manager.Release(context.Background(), "page-9")
	_, _, ok = manager.Current()
	req.True(ok)

	// When the last owner leaves, the connection is closed
	backend.EXPECT().Disconnect(gomock.Any(), conn).Return(nil).Times(1)
	manager.Release(context.Background(), "page-2")
	_, _, ok = manager.Current()
	req.False(ok)
}

func TestConnectionManager_ReconnectRotatesCredential(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	first := liveConnection(ctrl)
	second := liveConnection(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)
	rotated := conversation.Credential{SubjectID: "u1", Token: "tok-rotated"}

	gomock.InOrder(
		backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(first, nil),
		backend.EXPECT().Disconnect(gomock.Any(), first).Return(nil),
		backend.EXPECT().Connect(gomock.Any(), alice, rotated).Return(second, nil),
	)

	_, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)
	conn, err := manager.Reconnect(context.Background(), "page-1", alice, rotated)
	req.NoError(err)
	req.Equal(contract.IConnection(second), conn)
}

func TestConnectionManager_ConnectHonoursContextWhileBusy(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	// Given a connect holding the manager
	started := make(chan struct{})
	release := make(chan struct{})
	backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).
		DoAndReturn(func(ctx context.Context, _ conversation.Identity, _ conversation.Credential) (contract.IConnection, error) {
			close(started)
			<-release
			return liveConnection(ctrl), nil
		})
	go func() { _, _ = manager.Connect(context.Background(), "page-1", alice, aliceCred) }()
	<-started

	// When a second caller gives up waiting
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := manager.Connect(ctx, "page-2", bob, bobCred)

	// Then it fails without touching the backend
	req.ErrorIs(err, context.DeadlineExceeded)
	close(release)
}

func TestConnectionManager_ClosedConnectionIsDialedAgain(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockIBackend(ctrl)
	dropped, drop := closableConnection(ctrl)
	fresh := liveConnection(ctrl)
	manager := NewConnectionManager(logs.GetLoggerFromLevel(slog.LevelDebug), backend)

	// Given a connection whose socket goes away on its own
	gomock.InOrder(
		backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(dropped, nil),
		backend.EXPECT().Connect(gomock.Any(), alice, aliceCred).Return(fresh, nil),
	)
	backend.EXPECT().Disconnect(gomock.Any(), gomock.Any()).Times(0)

	_, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)
	drop()

	// Then it is no longer reported
	_, _, ok := manager.Current()
	req.False(ok)

	// When the same identity connects again, a new socket is dialed
	conn, err := manager.Connect(context.Background(), "page-1", alice, aliceCred)
	req.NoError(err)
	req.Equal(contract.IConnection(fresh), conn)
	current, _, ok := manager.Current()
	req.True(ok)
	req.Equal(contract.IConnection(fresh), current)
}

// liveConnection is a connection mock whose socket never closes.
func liveConnection(ctrl *gomock.Controller) *mocks.MockIConnection {
	conn := mocks.NewMockIConnection(ctrl)
	conn.EXPECT().Done().Return(nil).AnyTimes()
	return conn
}

// closableConnection is a connection mock whose socket closes when drop is called.
func closableConnection(ctrl *gomock.Controller) (*mocks.MockIConnection, func()) {
	done := make(chan struct{})
	conn := mocks.NewMockIConnection(ctrl)
	conn.EXPECT().Done().Return((<-chan struct{})(done)).AnyTimes()
	var once sync.Once
	return conn, func() { once.Do(func() { close(done) }) }
}
