package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/access"
)

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const validPolicyYAML = `
guardian_secret_hash: "` + "%s" + `"
coding_secret_hash: "` + "%s" + `"
oauth_passphrase_hash: "` + "%s" + `"
scopes:
  - name: health
    secret_hash: "` + "%s" + `"
  - name: finance
    secret_hash: "` + "%s" + `"
`

func validPolicy(t *testing.T, dir string) string {
	t.Helper()

	yaml := validPolicyYAML
	for _, secret := range []string{"guardian", "coding", "passphrase", "health", "finance"} {
		yaml = strings.Replace(yaml, "%s", access.Hash(secret), 1)
	}

	return writePolicy(t, dir, yaml)
}

func TestLoadPolicy_Valid(t *testing.T) {
	path := validPolicy(t, t.TempDir())

	pf, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, access.Hash("guardian"), pf.GuardianSecretHash)
	assert.Equal(t, access.Hash("passphrase"), pf.OAuthPassphraseHash)
	assert.Equal(t, []string{"health", "finance"}, pf.ScopeNames())

	p := pf.AccessPolicy()
	assert.Equal(t, access.Hash("coding"), p.CodingSecretHash)
	require.Len(t, p.Scopes, 2)
	assert.Equal(t, "health", p.Scopes[0].Name)
}

func TestLoadPolicy_MissingFileIsDefaultDeny(t *testing.T) {
	pf, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	// Every secret resolves to no privilege against an empty policy.
	d := access.Resolve("anything", pf.AccessPolicy())
	assert.Equal(t, access.LevelNone, d.Level)
	assert.Empty(t, pf.OAuthPassphraseHash)
}

func TestLoadPolicy_DigestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "truncated digest",
			yaml:    `guardian_secret_hash: "abc123"`,
			wantErr: "64 hex characters",
		},
		{
			name:    "uppercase digest",
			yaml:    `coding_secret_hash: "` + strings.ToUpper(access.Hash("x")) + `"`,
			wantErr: "lowercase hex",
		},
		{
			name:    "non-hex digest",
			yaml:    `oauth_passphrase_hash: "` + strings.Repeat("z", 64) + `"`,
			wantErr: "non-hex",
		},
		{
			name: "empty scope name",
			yaml: `scopes:
  - name: ""
    secret_hash: "` + access.Hash("x") + `"`,
			wantErr: "empty name",
		},
		{
			name: "duplicate scope name",
			yaml: `scopes:
  - name: health
    secret_hash: "` + access.Hash("a") + `"
  - name: health
    secret_hash: "` + access.Hash("b") + `"`,
			wantErr: "duplicate scope",
		},
		{
			name:    "malformed yaml",
			yaml:    "scopes: [unclosed",
			wantErr: "parsing policy file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicy(t, t.TempDir(), tt.yaml)

			_, err := LoadPolicy(path)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadPolicy_EmptyHashesDisableTiers(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `scopes: []`)

	pf, err := LoadPolicy(path)
	require.NoError(t, err)

	d := access.Resolve("", pf.AccessPolicy())
	assert.Equal(t, access.LevelNone, d.Level)
}

// --- PolicyWatcher ---

func TestPolicyWatcher_InitialSnapshot(t *testing.T) {
	path := validPolicy(t, t.TempDir())

	w, err := NewPolicyWatcher(path, slog.Default())
	require.NoError(t, err)

	d := access.Resolve("guardian", w.Policy())
	assert.Equal(t, access.LevelGuardian, d.Level)
	assert.Equal(t, access.Hash("passphrase"), w.PassphraseHash())
	assert.Equal(t, []string{"health", "finance"}, w.ScopeNames())
}

func TestPolicyWatcher_InitialLoadFailureIsFatal(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `guardian_secret_hash: "nope"`)

	_, err := NewPolicyWatcher(path, slog.Default())
	assert.Error(t, err)
}

func TestPolicyWatcher_ReloadsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := validPolicy(t, dir)

	w, err := NewPolicyWatcher(path, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Watch(ctx)
	}()

	// Replace the guardian digest so the old secret stops resolving.
	// The write is repeated inside the poll because the goroutine above
	// may not have registered the fsnotify watch yet; a single write
	// landing before registration would never produce an event.
	rotated := "guardian_secret_hash: \"" + access.Hash("rotated") + "\"\n"

	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte(rotated), 0o600); err != nil {
			return false
		}
		return access.Resolve("rotated", w.Policy()).Level == access.LevelGuardian
	}, 5*time.Second, 20*time.Millisecond)

	d := access.Resolve("guardian", w.Policy())
	assert.Equal(t, access.LevelNone, d.Level, "old secret must stop working after rotation")

	cancel()
	<-done
}

func TestPolicyWatcher_BadEditKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := validPolicy(t, dir)

	w, err := NewPolicyWatcher(path, slog.Default())
	require.NoError(t, err)

	w.reload() // exercise reload directly to avoid watcher timing

	require.NoError(t, os.WriteFile(path, []byte(`guardian_secret_hash: "truncated"`), 0o600))
	w.reload()

	d := access.Resolve("guardian", w.Policy())
	assert.Equal(t, access.LevelGuardian, d.Level, "bad edit must not drop the working policy")
}
