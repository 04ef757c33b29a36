package auth

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/access"
	"github.com/recallhq/recall/internal/store"
)

const (
	// APIKeyPrefix identifies raw API keys so the bearer middleware can
	// route them away from the OAuth token lookup.
	APIKeyPrefix = "recall_"

	// apiKeyBytes is the number of random bytes in a key (hex-encoded
	// to twice this length, after the prefix).
	apiKeyBytes = 32
)

// APIKeyManager issues, validates, and revokes long-lived bearer keys.
type APIKeyManager struct {
	store  store.Store
	logger *slog.Logger
}

// NewAPIKeyManager creates an APIKeyManager over the given store.
func NewAPIKeyManager(s store.Store, logger *slog.Logger) *APIKeyManager {
	return &APIKeyManager{store: s, logger: logger}
}

// Create mints a new API key. The raw key is returned exactly once;
// only its hash is persisted.
func (m *APIKeyManager) Create(name string) (rawKey, id string, err error) {
	rawKey = APIKeyPrefix + RandomHex(apiKeyBytes)
	id = uuid.NewString()

	err = m.store.PutAPIKey(&store.APIKey{
		ID:        id,
		Name:      name,
		KeyHash:   access.Hash(rawKey),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", "", fmt.Errorf("saving api key: %w", err)
	}

	m.logger.Info("api key created", slog.String("id", id), slog.String("name", name))

	return rawKey, id, nil
}

// Validate reports whether a raw key corresponds to a live key, and
// records the use time on success.
func (m *APIKeyManager) Validate(rawKey string) bool {
	if !strings.HasPrefix(rawKey, APIKeyPrefix) {
		return false
	}

	k, err := m.store.GetAPIKeyByHash(access.Hash(rawKey))
	if err != nil {
		m.logger.Error("api key lookup failed", slog.String("error", err.Error()))
		return false
	}

	if k == nil {
		return false
	}

	if err := m.store.TouchAPIKey(k.ID, time.Now()); err != nil {
		m.logger.Error("api key touch failed", slog.String("id", k.ID), slog.String("error", err.Error()))
	}

	return true
}

// Revoke marks a key revoked by id. Reports false, without error, when
// the id is unknown or already revoked.
func (m *APIKeyManager) Revoke(id string) (bool, error) {
	revoked, err := m.store.RevokeAPIKey(id)
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}

	if revoked {
		m.logger.Info("api key revoked", slog.String("id", id))
	}

	return revoked, nil
}

// APIKeyInfo is the metadata surface of a key. Hashes and raw keys are
// never included.
type APIKeyInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
	LastUsed  *time.Time
	Revoked   bool
}

// List returns metadata for every key, ordered by creation time.
func (m *APIKeyManager) List() ([]APIKeyInfo, error) {
	rows, err := m.store.ListAPIKeys()
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}

	infos := make([]APIKeyInfo, 0, len(rows))
	for _, r := range rows {
		infos = append(infos, APIKeyInfo{
			ID:        r.ID,
			Name:      r.Name,
			CreatedAt: r.CreatedAt,
			LastUsed:  r.LastUsed,
			Revoked:   r.Revoked,
		})
	}

	return infos, nil
}
