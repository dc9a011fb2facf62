package storage

import (
	"context"
	"fmt"
	"lingo-chat/domain/conversation"
	"lingo-chat/mocks"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func openTestDB(t *testing.T) *badger.DB {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCredentialCache_ReusesValidCredential(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockICredentialIssuer(ctrl)
	cache := NewCredentialCache(logs.GetLoggerFromLevel(slog.LevelDebug), openTestDB(t), issuer, time.Minute)

	// Given an issuer called only once
	fresh := conversation.Credential{SubjectID: "u1", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	issuer.EXPECT().Issue(gomock.Any(), "u1").Return(fresh, nil).Times(1)

	first, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)

	// When asking again
	second, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)

	// Then the cached credential is served
	req.True(first.Equal(second))
	req.True(fresh.ExpiresAt.Equal(second.ExpiresAt))
}

func TestCredentialCache_RefreshesNearExpiry(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockICredentialIssuer(ctrl)
	cache := NewCredentialCache(logs.GetLoggerFromLevel(slog.LevelDebug), openTestDB(t), issuer, time.Minute)

	old := conversation.Credential{SubjectID: "u1", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	rotated := conversation.Credential{SubjectID: "u1", Token: "tok-2", ExpiresAt: time.Now().Add(2 * time.Hour)}
	gomock.InOrder(
		issuer.EXPECT().Issue(gomock.Any(), "u1").Return(old, nil),
		issuer.EXPECT().Issue(gomock.Any(), "u1").Return(rotated, nil),
	)

	_, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)

	// Given the clock inside the refresh window of the cached credential
	cache.now = func() time.Time { return time.Now().Add(time.Hour - 30*time.Second) }

	credential, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)
	req.Equal("tok-2", credential.Token)
}

func TestCredentialCache_SkipsCredentialsWithoutExpiry(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockICredentialIssuer(ctrl)
	cache := NewCredentialCache(logs.GetLoggerFromLevel(slog.LevelDebug), openTestDB(t), issuer, time.Minute)

	opaque := conversation.Credential{SubjectID: "u1", Token: "opaque"}
	issuer.EXPECT().Issue(gomock.Any(), "u1").Return(opaque, nil).Times(2)

	for i := 0; i < 2; i++ {
		credential, err := cache.Issue(context.Background(), "u1")
		req.NoError(err)
		req.Equal(opaque, credential)
	}
}

func TestCredentialCache_ScopedPerSubject(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockICredentialIssuer(ctrl)
	cache := NewCredentialCache(logs.GetLoggerFromLevel(slog.LevelDebug), openTestDB(t), issuer, time.Minute)

	issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, subjectID string) (conversation.Credential, error) {
			return conversation.Credential{
				SubjectID: subjectID, Token: "tok-" + subjectID, ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		}).Times(2)

	aliceCred, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)
	bobCred, err := cache.Issue(context.Background(), "u2")
	req.NoError(err)

	req.Equal("u1", aliceCred.SubjectID)
	req.Equal("u2", bobCred.SubjectID)
	req.NotEqual(aliceCred.Token, bobCred.Token)
}

func TestCredentialCache_IssuerFailureIsNotCached(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockICredentialIssuer(ctrl)
	cache := NewCredentialCache(logs.GetLoggerFromLevel(slog.LevelDebug), openTestDB(t), issuer, time.Minute)

	fresh := conversation.Credential{SubjectID: "u1", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	gomock.InOrder(
		issuer.EXPECT().Issue(gomock.Any(), "u1").Return(conversation.Credential{}, fmt.Errorf("503")),
		issuer.EXPECT().Issue(gomock.Any(), "u1").Return(fresh, nil),
	)

	_, err := cache.Issue(context.Background(), "u1")
	req.ErrorContains(err, "503")

	credential, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)
	req.Equal("tok-1", credential.Token)
}

func TestCredentialCache_Invalidate(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockICredentialIssuer(ctrl)
	cache := NewCredentialCache(logs.GetLoggerFromLevel(slog.LevelDebug), openTestDB(t), issuer, time.Minute)

	fresh := conversation.Credential{SubjectID: "u1", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	issuer.EXPECT().Issue(gomock.Any(), "u1").Return(fresh, nil).Times(2)

	_, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)
	req.NoError(cache.Invalidate("u1"))
	_, err = cache.Issue(context.Background(), "u1")
	req.NoError(err)
}

func TestEntries_ListsCachedCredentials(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockICredentialIssuer(ctrl)
	db := openTestDB(t)
	cache := NewCredentialCache(logs.GetLoggerFromLevel(slog.LevelDebug), db, issuer, time.Minute)

	fresh := conversation.Credential{SubjectID: "u1", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	issuer.EXPECT().Issue(gomock.Any(), "u1").Return(fresh, nil)
	_, err := cache.Issue(context.Background(), "u1")
	req.NoError(err)

	entries, err := Entries(db)
	req.NoError(err)
	req.Len(entries, 1)
	req.True(fresh.Equal(entries[0].Credential))
	req.InDelta(float64(59*time.Minute), float64(entries[0].TTL), float64(5*time.Second))
}
