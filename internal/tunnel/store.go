package tunnel

import (
	"fmt"
	"sync"

	"github.com/tunnelkeeper/tunneld/internal/crypto"
)

// ConfigStore resolves a tunnel name to its TunnelConfig. It is the
// "hostConfigs" collaborator named in spec §5 — the core never reads
// configuration from disk itself. Production deployments back this with
// whatever persistence layer owns tunnel configs and sharing relationships
// (explicitly out of scope here, per spec §1); this package ships an
// in-memory reference implementation good enough for the CLI and for tests.
type ConfigStore interface {
	// Get returns the config for name, or (zero, false) if unknown.
	Get(name string) (TunnelConfig, bool)
	// Put stores (or replaces) the config for name. Per spec §5, callers
	// MUST call Put before spawning any task that might read by name — the
	// in-memory store enforces this trivially by being synchronous.
	Put(cfg TunnelConfig) error
}

// MemoryStore is a ConfigStore backed by a mutex-guarded map. Endpoint
// secrets (password/private key) are encrypted at rest with
// [crypto.Encrypt] so a process memory dump doesn't leak plaintext
// credentials any more than necessary; they are decrypted again on Get.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]TunnelConfig
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]TunnelConfig)}
}

func (s *MemoryStore) Get(name string) (TunnelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	if !ok {
		return TunnelConfig{}, false
	}
	if err := decryptEndpoints(&cfg); err != nil {
		return TunnelConfig{}, false
	}
	return cfg, true
}

func (s *MemoryStore) Put(cfg TunnelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := encryptEndpoints(&cfg); err != nil {
		return fmt.Errorf("tunnel: encrypt config %s: %w", cfg.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Name] = cfg
	return nil
}

func encryptEndpoints(cfg *TunnelConfig) error {
	var err error
	if cfg.Source.Password != "" {
		if cfg.Source.Password, err = crypto.Encrypt(cfg.Source.Password); err != nil {
			return err
		}
	}
	if cfg.Source.PrivateKey != "" {
		if cfg.Source.PrivateKey, err = crypto.Encrypt(cfg.Source.PrivateKey); err != nil {
			return err
		}
	}
	if cfg.Remote.Password != "" {
		if cfg.Remote.Password, err = crypto.Encrypt(cfg.Remote.Password); err != nil {
			return err
		}
	}
	if cfg.Remote.PrivateKey != "" {
		if cfg.Remote.PrivateKey, err = crypto.Encrypt(cfg.Remote.PrivateKey); err != nil {
			return err
		}
	}
	return nil
}

func decryptEndpoints(cfg *TunnelConfig) error {
	var err error
	if cfg.Source.Password != "" {
		if cfg.Source.Password, err = crypto.Decrypt(cfg.Source.Password); err != nil {
			return err
		}
	}
	if cfg.Source.PrivateKey != "" {
		if cfg.Source.PrivateKey, err = crypto.Decrypt(cfg.Source.PrivateKey); err != nil {
			return err
		}
	}
	if cfg.Remote.Password != "" {
		if cfg.Remote.Password, err = crypto.Decrypt(cfg.Remote.Password); err != nil {
			return err
		}
	}
	if cfg.Remote.PrivateKey != "" {
		if cfg.Remote.PrivateKey, err = crypto.Decrypt(cfg.Remote.PrivateKey); err != nil {
			return err
		}
	}
	return nil
}
