package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "signmesh"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SIGNMESH_DATA_DIR"
	// DefaultPort is the listen port used when a host record carries port 0.
	DefaultPort = 8875
	// DefaultMaxPeers is the per-host transport peer ceiling.
	DefaultMaxPeers = 50
	// DefaultPollTimeoutMillis bounds one service tick.
	DefaultPollTimeoutMillis = 10
	// DefaultBindAddress is the address every host listens on.
	DefaultBindAddress = "127.0.0.1"
	// DefaultControlAddress is where new nodes serve the control API.
	DefaultControlAddress = "127.0.0.1:8870"

	SchemeEd25519    = "ed25519"
	SchemeDilithium3 = "dilithium3"

	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	// PolicyStrict stops a host when a startup connect attempt fails.
	PolicyStrict = "strict"
	// PolicyLenient logs startup connect failures and keeps going.
	PolicyLenient = "lenient"

	configFileName = "node.json"
	hostsFileName  = "hosts.json"
	rosterFileName = "peerlist.csv"
	dbFileName     = "signmesh.db"
)

// NodeConfig contains persistent node-wide settings.
type NodeConfig struct {
	NodeID            string `json:"node_id"`
	Scheme            string `json:"scheme"`
	Transport         string `json:"transport"`
	BindAddress       string `json:"bind_address"`
	PollTimeoutMillis int    `json:"poll_timeout_ms"`
	MaxPeers          int    `json:"max_peers"`
	ConnectPolicy     string `json:"connect_policy"`
	HostsPath         string `json:"hosts_path"`
	RosterPath        string `json:"roster_path"`
	DatabasePath      string `json:"database_path"`
	MetricsAddress    string `json:"metrics_address"`
	ControlAddress    string `json:"control_address"`
	DiscoveryEnabled  bool   `json:"discovery_enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SIGNMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to node.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals node.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes node.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under dataDir, then
// returns both. An empty dataDir resolves the default location.
func LoadOrCreate(dataDir string) (*NodeConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate rejects settings no component can run with.
func (c *NodeConfig) Validate() error {
	switch c.Scheme {
	case SchemeEd25519, SchemeDilithium3:
	default:
		return fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	switch c.ConnectPolicy {
	case PolicyStrict, PolicyLenient:
	default:
		return fmt.Errorf("unsupported connect policy %q", c.ConnectPolicy)
	}
	if c.PollTimeoutMillis < 0 {
		return fmt.Errorf("poll timeout must not be negative")
	}
	return nil
}

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		NodeID:            uuid.NewString(),
		Scheme:            SchemeEd25519,
		Transport:         TransportTCP,
		BindAddress:       DefaultBindAddress,
		PollTimeoutMillis: DefaultPollTimeoutMillis,
		MaxPeers:          DefaultMaxPeers,
		ConnectPolicy:     PolicyStrict,
		HostsPath:         filepath.Join(dataDir, hostsFileName),
		RosterPath:        filepath.Join(dataDir, rosterFileName),
		DatabasePath:      filepath.Join(dataDir, dbFileName),
		ControlAddress:    DefaultControlAddress,
	}
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	if cfg.NodeID == "" {
		cfg.NodeID = defaults.NodeID
		updated = true
	}

	setLower := func(field *string, fallback string) {
		value := strings.ToLower(strings.TrimSpace(*field))
		if value == "" {
			value = fallback
		}
		if value != *field {
			*field = value
			updated = true
		}
	}
	setLower(&cfg.Scheme, defaults.Scheme)
	setLower(&cfg.Transport, defaults.Transport)
	setLower(&cfg.ConnectPolicy, defaults.ConnectPolicy)

	if cfg.BindAddress == "" {
		cfg.BindAddress = defaults.BindAddress
		updated = true
	}
	if cfg.PollTimeoutMillis == 0 {
		cfg.PollTimeoutMillis = defaults.PollTimeoutMillis
		updated = true
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaults.MaxPeers
		updated = true
	}

	for _, path := range []struct {
		field    *string
		fallback string
	}{
		{&cfg.HostsPath, defaults.HostsPath},
		{&cfg.RosterPath, defaults.RosterPath},
		{&cfg.DatabasePath, defaults.DatabasePath},
	} {
		if *path.field == "" {
			*path.field = path.fallback
			updated = true
		} else if !filepath.IsAbs(*path.field) {
			*path.field = filepath.Join(dataDir, *path.field)
			updated = true
		}
	}

	return updated
}
