package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const credentialPrefix = "credential:"

var _ contract.ICredentialInvalidator = (*CredentialCache)(nil)

// CredentialCache keeps issued credentials in BadgerDB so a restarted process
// reuses a still valid token instead of asking the issuer again.
// Entries expire refreshLead before the credential itself.
type CredentialCache struct {
	log         *slog.Logger
	db          *badger.DB
	issuer      contract.ICredentialIssuer
	refreshLead time.Duration
	now         func() time.Time
}

type diskCredential struct {
	SubjectID string    `json:"subject_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewCredentialCache(log *slog.Logger, db *badger.DB,
	issuer contract.ICredentialIssuer, refreshLead time.Duration) *CredentialCache {
	return &CredentialCache{log: log, db: db, issuer: issuer, refreshLead: refreshLead, now: time.Now}
}

// OpenDB opens the Badger database backing the cache.
func OpenDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return db, nil
}

// Issue returns the cached credential of subjectID when it is not about to expire,
// otherwise a fresh one from the wrapped issuer.
func (c *CredentialCache) Issue(ctx context.Context, subjectID string) (conversation.Credential, error) {
	cached, found, err := c.get(subjectID)
	if err != nil {
		c.log.Warn("Credential cache read failed", "identity", subjectID, "error", err)
	}
	if found && !cached.ExpiresWithin(c.now(), c.refreshLead) {
		c.log.Debug("Credential served from cache", "identity", subjectID)
		return cached, nil
	}

	credential, err := c.issuer.Issue(ctx, subjectID)
	if err != nil {
		return conversation.Credential{}, err
	}
	if err = c.put(credential); err != nil {
		c.log.Warn("Credential cache write failed", "identity", subjectID, "error", err)
	}
	return credential, nil
}

// Invalidate forgets the credential of subjectID. The session calls it when the backend refuses the token.
func (c *CredentialCache) Invalidate(subjectID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(credentialKey(subjectID))
	})
}

func (c *CredentialCache) get(subjectID string) (conversation.Credential, bool, error) {
	var disk diskCredential
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credentialKey(subjectID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &disk)
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return conversation.Credential{}, false, nil
	}
	if err != nil {
		return conversation.Credential{}, false, err
	}
	return conversation.Credential{
		SubjectID: disk.SubjectID,
		Token:     disk.Token,
		ExpiresAt: disk.ExpiresAt,
	}, true, nil
}

// put skips credentials without expiry: nothing tells when they stop being valid.
func (c *CredentialCache) put(credential conversation.Credential) error {
	if credential.ExpiresAt.IsZero() {
		return nil
	}
	ttl := credential.ExpiresAt.Sub(c.now()) - c.refreshLead
	if ttl <= 0 {
		return nil
	}

	bytes, err := json.Marshal(diskCredential{
		SubjectID: credential.SubjectID,
		Token:     credential.Token,
		ExpiresAt: credential.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(credentialKey(credential.SubjectID), bytes).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// CachedCredential is one cache entry with the time it has left in the store.
type CachedCredential struct {
	Credential conversation.Credential
	TTL        time.Duration
}

// Entries lists the cached credentials, for inspection.
func Entries(db *badger.DB) ([]CachedCredential, error) {
	var entries []CachedCredential
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(credentialPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var disk diskCredential
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &disk)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			var ttl time.Duration
			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				ttl = time.Until(time.Unix(int64(expiresAt), 0))
			}
			entries = append(entries, CachedCredential{
				Credential: conversation.Credential{
					SubjectID: disk.SubjectID,
					Token:     disk.Token,
					ExpiresAt: disk.ExpiresAt,
				},
				TTL: ttl,
			})
		}
		return nil
	})
	return entries, err
}

func credentialKey(subjectID string) []byte {
	return []byte(credentialPrefix + subjectID)
}
