package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"

	"github.com/aixgo-dev/u2mcp/pkg/log"
)

// KeyringService is the OS keychain service holding backend passwords.
const KeyringService = "u2mcp"

// SecretStore looks up stored secrets by key.
type SecretStore interface {
	Get(key string) (string, error)
}

// ErrSecretNotFound is returned by a SecretStore with no entry for a key.
var ErrSecretNotFound = errors.New("secret not found")

// PasswordKey is the keychain key for a backend login.
func PasswordKey(user, host string) string {
	return user + "@" + host
}

// ResolvePassword fills an empty password from store. A missing entry is
// not an error; Validate reports nothing about passwords because some
// backends accept none.
func (c *Config) ResolvePassword(store SecretStore) error {
	if c.Connection.Password != "" || store == nil || c.Connection.User == "" {
		return nil
	}
	key := PasswordKey(c.Connection.User, c.Connection.Host)
	pw, err := store.Get(key)
	if errors.Is(err, ErrSecretNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read password for %s from keychain: %w", key, err)
	}
	c.Connection.Password = pw
	logger := log.WithComponent("config")
	logger.Debug().Str("key", key).Msg("password loaded from keychain")
	return nil
}

// KeyringStore reads secrets from the OS keychain. The keyring is opened on
// first use.
type KeyringStore struct {
	once sync.Once
	ring keyring.Keyring
	err  error
}

// NewKeyringStore returns a store over the platform keychain.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (s *KeyringStore) open() (keyring.Keyring, error) {
	s.once.Do(func() {
		s.ring, s.err = keyring.Open(keyring.Config{
			ServiceName:              KeyringService,
			KeychainTrustApplication: true,
			PassPrefix:               KeyringService,
			WinCredPrefix:            KeyringService,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.KWalletBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
			},
		})
	})
	return s.ring, s.err
}

// Get returns the secret stored under key.
func (s *KeyringStore) Get(key string) (string, error) {
	ring, err := s.open()
	if err != nil {
		return "", fmt.Errorf("open keychain: %w", err)
	}
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

// Set stores secret under key.
func (s *KeyringStore) Set(key, secret string) error {
	ring, err := s.open()
	if err != nil {
		return fmt.Errorf("open keychain: %w", err)
	}
	return ring.Set(keyring.Item{Key: key, Data: []byte(secret), Label: "u2mcp " + key})
}
