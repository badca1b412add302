// Package credentials persists the voice gateway bot token. Tokens are looked
// up in the environment, the OS keyring and a fallback file, in that order,
// and saved to the first writable store that accepts them.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	zkr "github.com/zalando/go-keyring"

	"github.com/MrWong99/pianobridge/internal/config"
)

// EnvVar overrides every stored token when set.
const EnvVar = "PIANOBRIDGE_TOKEN"

// KeyringDisabledVar disables the OS keyring when set to "1", for headless
// hosts without a secret service.
const KeyringDisabledVar = "PIANOBRIDGE_KEYRING_DISABLED"

const keyringAccount = "bot-token"

// ErrNotFound is returned by Load when a store holds no token.
var ErrNotFound = errors.New("credentials: token not found")

// ErrReadOnly is returned by Save on stores that cannot persist.
var ErrReadOnly = errors.New("credentials: store is read-only")

// Store loads and saves one token.
type Store interface {
	Load() (string, error)
	Save(token string) error
}

// ─── Env ─────────────────────────────────────────────────────────────────────

// Env reads the token from an environment variable.
type Env struct {
	Var string
}

// Load returns the variable's value or [ErrNotFound].
func (e Env) Load() (string, error) {
	if v := strings.TrimSpace(os.Getenv(e.Var)); v != "" {
		return v, nil
	}
	return "", ErrNotFound
}

// Save always fails with [ErrReadOnly].
func (Env) Save(string) error { return ErrReadOnly }

// ─── Keyring ─────────────────────────────────────────────────────────────────

// Keyring stores the token in the OS keychain under Service.
type Keyring struct {
	Service string
}

// Load reads the token from the keychain.
func (k Keyring) Load() (string, error) {
	tok, err := zkr.Get(k.Service, keyringAccount)
	if errors.Is(err, zkr.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credentials: keyring get: %w", err)
	}
	return tok, nil
}

// Save writes the token to the keychain.
func (k Keyring) Save(token string) error {
	if err := zkr.Set(k.Service, keyringAccount, token); err != nil {
		return fmt.Errorf("credentials: keyring set: %w", err)
	}
	return nil
}

// Delete removes the token from the keychain.
func (k Keyring) Delete() error {
	if err := zkr.Delete(k.Service, keyringAccount); err != nil && !errors.Is(err, zkr.ErrNotFound) {
		return fmt.Errorf("credentials: keyring delete: %w", err)
	}
	return nil
}

// KeyringAvailable reports whether the OS keychain works, probing it with a
// write/delete cycle unless [KeyringDisabledVar] is "1".
func KeyringAvailable() bool {
	if os.Getenv(KeyringDisabledVar) == "1" {
		return false
	}
	const probeService = "pianobridge-keyring-probe"
	if err := zkr.Set(probeService, "probe", "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(probeService, "probe")
	return true
}

// ─── File ────────────────────────────────────────────────────────────────────

// File stores the token in a plain file readable only by the owner.
type File struct {
	Path string
}

// DefaultFilePath returns <user config dir>/pianobridge/token.
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("credentials: locate config dir: %w", err)
	}
	return filepath.Join(dir, "pianobridge", "token"), nil
}

// Load reads the token file.
func (f File) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credentials: read %q: %w", f.Path, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNotFound
	}
	return tok, nil
}

// Save writes the token file with mode 0600.
func (f File) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("credentials: create dir for %q: %w", f.Path, err)
	}
	if err := os.WriteFile(f.Path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("credentials: write %q: %w", f.Path, err)
	}
	return nil
}

// ─── Chain ───────────────────────────────────────────────────────────────────

// Chain tries its stores in order.
type Chain []Store

// Load returns the first token found. Store errors other than [ErrNotFound]
// are skipped but reported if no store has a token.
func (c Chain) Load() (string, error) {
	var errs []error
	for _, s := range c {
		tok, err := s.Load()
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(append([]error{ErrNotFound}, errs...)...)
	}
	return "", ErrNotFound
}

// Save stores token in the first store that accepts it.
func (c Chain) Save(token string) error {
	var errs []error
	for _, s := range c {
		err := s.Save(token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrReadOnly) {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return ErrReadOnly
	}
	return errors.Join(errs...)
}

// New builds the environment → keyring → file chain described by cfg. The
// keyring is left out when unavailable.
func New(cfg config.CredentialsConfig) (Chain, error) {
	chain := Chain{Env{Var: EnvVar}}
	if KeyringAvailable() {
		chain = append(chain, Keyring{Service: cfg.Service})
	}
	path := cfg.File
	if path == "" {
		p, err := DefaultFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return append(chain, File{Path: path}), nil
}
