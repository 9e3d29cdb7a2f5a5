package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/zulnabil/millow/crypto"
)

// Config describes one millowd instance: where it listens, where it stores
// state and which identities hold the three fixed escrow roles. Alloc seeds
// account balances on first start.
type Config struct {
	RPCAddress  string            `toml:"RPCAddress"`
	DataDir     string            `toml:"DataDir"`
	NetworkName string            `toml:"NetworkName"`
	Seller      string            `toml:"Seller"`
	Inspector   string            `toml:"Inspector"`
	Lender      string            `toml:"Lender"`
	Alloc       map[string]string `toml:"Alloc"`
	Paused      []string          `toml:"Paused"`
}

// pausableModules names the native modules that accept an administrative
// pause.
var pausableModules = map[string]bool{
	"escrow":   true,
	"registry": true,
}

// Load reads the configuration from the given path, creating a default file
// with freshly generated role addresses when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "millow-local"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all three role addresses parse and are distinct.
func (c *Config) Validate() error {
	roles := map[string]string{
		"Seller":    c.Seller,
		"Inspector": c.Inspector,
		"Lender":    c.Lender,
	}
	seen := make(map[string]string, len(roles))
	for name, value := range roles {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return fmt.Errorf("config: %s address must be set", name)
		}
		if _, err := crypto.DecodeAddress(trimmed); err != nil {
			return fmt.Errorf("config: invalid %s address: %w", name, err)
		}
		if previous, ok := seen[trimmed]; ok {
			return fmt.Errorf("config: %s and %s must be distinct identities", previous, name)
		}
		seen[trimmed] = name
	}
	for addr := range c.Alloc {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("config: invalid alloc address %s: %w", addr, err)
		}
	}
	for _, module := range c.Paused {
		if !pausableModules[strings.TrimSpace(module)] {
			return fmt.Errorf("config: unknown paused module %q", module)
		}
	}
	return nil
}

// RoleAddress decodes one of the configured role addresses.
func RoleAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

func createDefault(path string) (*Config, error) {
	addresses := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("config: failed to generate role key: %w", err)
		}
		addresses = append(addresses, key.PubKey().Address().String())
	}
	cfg := &Config{
		RPCAddress:  "127.0.0.1:8545",
		DataDir:     "./data",
		NetworkName: "millow-local",
		Seller:      addresses[0],
		Inspector:   addresses[1],
		Lender:      addresses[2],
		Alloc:       map[string]string{},
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
