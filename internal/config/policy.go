package config

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/recallhq/recall/internal/access"
)

// digestHexLen is the length of a lowercase hex SHA-256 digest.
const digestHexLen = 64

// PolicyFile is the on-disk YAML shape of the access policy. All secret
// fields hold SHA-256 digests, never raw secrets, so the file can be
// backed up or checked into private dotfiles without exposing them.
type PolicyFile struct {
	GuardianSecretHash string `yaml:"guardian_secret_hash"`
	CodingSecretHash   string `yaml:"coding_secret_hash"`

	Scopes []access.ScopeSecret `yaml:"scopes"`

	// OAuthPassphraseHash gates the authorization endpoint's login form.
	// Empty disables the OAuth authorization flow entirely.
	OAuthPassphraseHash string `yaml:"oauth_passphrase_hash"`
}

// LoadPolicy reads and validates the policy file. A missing file is not
// an error: every tier resolves to no privilege until the operator
// writes a policy, so a fresh install denies by default.
func LoadPolicy(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &PolicyFile{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	warnInsecurePolicyFile(path)

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	if err := pf.validate(); err != nil {
		return nil, fmt.Errorf("validating policy file: %w", err)
	}

	return &pf, nil
}

func (pf *PolicyFile) validate() error {
	if err := validDigest("guardian_secret_hash", pf.GuardianSecretHash); err != nil {
		return err
	}

	if err := validDigest("coding_secret_hash", pf.CodingSecretHash); err != nil {
		return err
	}

	if err := validDigest("oauth_passphrase_hash", pf.OAuthPassphraseHash); err != nil {
		return err
	}

	seen := make(map[string]struct{})

	for i, s := range pf.Scopes {
		if s.Name == "" {
			return fmt.Errorf("scope entry %d has an empty name", i+1)
		}

		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate scope name %q", s.Name)
		}

		seen[s.Name] = struct{}{}

		if err := validDigest(fmt.Sprintf("scope %q secret_hash", s.Name), s.SecretHash); err != nil {
			return err
		}
	}

	return nil
}

// validDigest checks that a configured hash is either empty (tier
// disabled) or a full lowercase hex SHA-256 digest. Truncated or
// uppercase digests would silently never match and are rejected loudly
// instead.
func validDigest(field, digest string) error {
	if digest == "" {
		return nil
	}

	if len(digest) != digestHexLen {
		return fmt.Errorf("%s must be %d hex characters, got %d", field, digestHexLen, len(digest))
	}

	for _, r := range digest {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isHex {
			if r >= 'A' && r <= 'F' {
				return fmt.Errorf("%s must be lowercase hex", field)
			}

			return fmt.Errorf("%s contains non-hex character %q", field, r)
		}
	}

	return nil
}

// AccessPolicy converts the file into the runtime policy value.
func (pf *PolicyFile) AccessPolicy() access.Policy {
	return access.Policy{
		GuardianSecretHash: pf.GuardianSecretHash,
		CodingSecretHash:   pf.CodingSecretHash,
		Scopes:             pf.Scopes,
	}
}

// ScopeNames returns the configured scope names, for discovery metadata.
func (pf *PolicyFile) ScopeNames() []string {
	names := make([]string, 0, len(pf.Scopes))
	for _, s := range pf.Scopes {
		names = append(names, s.Name)
	}

	return names
}

// warnInsecurePolicyFile flags group or world readable policy files.
// The file holds digests rather than secrets, but unsalted digests of
// short passphrases are still offline-guessable.
func warnInsecurePolicyFile(path string) {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: policy file %s has insecure permissions %04o; recommended 0600", path, mode)
	}
}
