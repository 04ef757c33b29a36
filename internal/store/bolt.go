package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the state directory (~/.recall/).
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the auth database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second

	// maxClients caps registered clients to prevent unbounded growth
	// from unauthenticated registration requests.
	maxClients = 100

	// gcInterval controls how often expired codes and tokens are reaped.
	gcInterval = 5 * time.Minute
)

var (
	clientsBucket    = []byte("oauth_clients")
	codesBucket      = []byte("oauth_codes")
	tokensBucket     = []byte("oauth_tokens")
	apiKeysBucket    = []byte("api_keys")
	apiKeyHashBucket = []byte("api_key_hashes") // key_hash -> id
)

// BoltStore is the bbolt-backed Store. bbolt serializes all write
// transactions, which provides the conditional-update atomicity the
// consume operations rely on.
type BoltStore struct {
	db     *bolt.DB
	stopGC chan struct{}
}

var _ Store = (*BoltStore)(nil)

// defaultPath returns ~/.recall/auth.db.
func defaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".recall", "auth.db")
}

// Open opens the auth database at ~/.recall/auth.db, creating it if it
// does not exist.
func Open() (*BoltStore, error) {
	return OpenAt(defaultPath())
}

// OpenAt opens an auth database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
// A background goroutine reaps expired codes and tokens; Close stops it.
func OpenAt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening auth db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{clientsBucket, codesBucket, tokensBucket, apiKeysBucket, apiKeyHashBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing auth db: %w", err)
	}

	s := &BoltStore{db: db, stopGC: make(chan struct{})}
	go s.gcLoop()

	return s, nil
}

// Close stops the reaper goroutine and closes the database.
func (s *BoltStore) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

func (s *BoltStore) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapExpired()
		case <-s.stopGC:
			return
		}
	}
}

// reapExpired deletes expired codes and tokens. Used codes and revoked
// tokens stay until their expiry passes so reuse attempts stay cheap
// to reject without resurrecting anything.
func (s *BoltStore) reapExpired() {
	now := time.Now()
	_ = s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{codesBucket, tokensBucket} {
			b := tx.Bucket(name)
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var row struct {
					ExpiresAt time.Time `json:"expires_at"`
				}
				if err := json.Unmarshal(v, &row); err != nil || now.After(row.ExpiresAt) {
					_ = c.Delete()
				}
			}
		}
		return nil
	})
}

// --- Clients ---

// PutClient stores a client registration. Returns false when the client
// cap has been reached, and a non-nil error when the write itself failed.
func (s *BoltStore) PutClient(c *Client) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Stats().KeyN >= maxClients {
			return nil
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(c.ClientID), data); err != nil {
			return err
		}

		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("putting client: %w", err)
	}

	return ok, nil
}

// GetClient returns the client for an id, or nil if not registered.
func (s *BoltStore) GetClient(clientID string) (*Client, error) {
	var c *Client

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		c = &Client{}
		return json.Unmarshal(v, c)
	})

	return c, err
}

// --- Authorization codes ---

// SaveCode stores a pending authorization code.
func (s *BoltStore) SaveCode(ac *AuthCode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ac)
		if err != nil {
			return err
		}
		return tx.Bucket(codesBucket).Put([]byte(ac.Code), data)
	})
}

// ConsumeCode marks a code used and returns it, all within one write
// transaction. Returns nil for absent, already used, or expired codes.
func (s *BoltStore) ConsumeCode(code string) (*AuthCode, error) {
	var ac *AuthCode

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)

		v := b.Get([]byte(code))
		if v == nil {
			return nil
		}

		row := &AuthCode{}
		if err := json.Unmarshal(v, row); err != nil {
			return err
		}

		if row.Used || time.Now().After(row.ExpiresAt) {
			return nil
		}

		row.Used = true
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(code), data); err != nil {
			return err
		}

		ac = row
		return nil
	})

	return ac, err
}

// --- Tokens ---

// SaveToken stores a token row keyed by its hash.
func (s *BoltStore) SaveToken(tok *Token) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tok)
		if err != nil {
			return err
		}
		return tx.Bucket(tokensBucket).Put([]byte(tok.TokenHash), data)
	})
}

// GetAccessToken returns the live access-token row for a hash, or nil.
// Expiry is left to the caller so its clock is authoritative.
func (s *BoltStore) GetAccessToken(tokenHash string) (*Token, error) {
	var tok *Token

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(tokenHash))
		if v == nil {
			return nil
		}

		row := &Token{}
		if err := json.Unmarshal(v, row); err != nil {
			return err
		}

		if row.Type != TokenTypeAccess || row.Revoked {
			return nil
		}

		tok = row
		return nil
	})

	return tok, err
}

// ConsumeRefreshToken revokes a live refresh row and returns it, all
// within one write transaction. Revoked, expired, and unknown hashes
// return nil.
func (s *BoltStore) ConsumeRefreshToken(tokenHash string) (*Token, error) {
	var tok *Token

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		v := b.Get([]byte(tokenHash))
		if v == nil {
			return nil
		}

		row := &Token{}
		if err := json.Unmarshal(v, row); err != nil {
			return err
		}

		if row.Type != TokenTypeRefresh || row.Revoked || time.Now().After(row.ExpiresAt) {
			return nil
		}

		row.Revoked = true
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(tokenHash), data); err != nil {
			return err
		}

		tok = row
		return nil
	})

	return tok, err
}

// --- API keys ---

// PutAPIKey stores an API key row and indexes it by hash.
func (s *BoltStore) PutAPIKey(k *APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(k)
		if err != nil {
			return err
		}
		if err := tx.Bucket(apiKeysBucket).Put([]byte(k.ID), data); err != nil {
			return err
		}
		return tx.Bucket(apiKeyHashBucket).Put([]byte(k.KeyHash), []byte(k.ID))
	})
}

// GetAPIKeyByHash returns the key row for a hash, or nil. Revoked keys
// are filtered here so validation cannot accidentally honor one.
func (s *BoltStore) GetAPIKeyByHash(keyHash string) (*APIKey, error) {
	var k *APIKey

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(apiKeyHashBucket).Get([]byte(keyHash))
		if id == nil {
			return nil
		}

		v := tx.Bucket(apiKeysBucket).Get(id)
		if v == nil {
			return nil
		}

		row := &APIKey{}
		if err := json.Unmarshal(v, row); err != nil {
			return err
		}

		if row.Revoked {
			return nil
		}

		k = row
		return nil
	})

	return k, err
}

// TouchAPIKey records a successful validation time.
func (s *BoltStore) TouchAPIKey(id string, when time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(apiKeysBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		row := &APIKey{}
		if err := json.Unmarshal(v, row); err != nil {
			return err
		}

		row.LastUsed = &when
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// RevokeAPIKey marks a key revoked. Reports false when the id is
// unknown or already revoked, making double revocation a no-op.
func (s *BoltStore) RevokeAPIKey(id string) (bool, error) {
	revoked := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(apiKeysBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		row := &APIKey{}
		if err := json.Unmarshal(v, row); err != nil {
			return err
		}

		if row.Revoked {
			return nil
		}

		row.Revoked = true
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}

		revoked = true
		return nil
	})

	return revoked, err
}

// ListAPIKeys returns every key row, including revoked ones, ordered by
// creation time. Hashes ride along for internal use; surfaces that show
// keys to operators must copy out the metadata fields only.
func (s *BoltStore) ListAPIKeys() ([]*APIKey, error) {
	var keys []*APIKey

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(apiKeysBucket).ForEach(func(_, v []byte) error {
			row := &APIKey{}
			if err := json.Unmarshal(v, row); err != nil {
				return err
			}
			keys = append(keys, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})

	return keys, nil
}
