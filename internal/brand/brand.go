// Package brand provides centralized naming and default locations for ipban.
//
// The identity is loaded from brand.json at compile time via go:embed so that
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	FIFOName         string `json:"fifoName"`
	DatabaseName     string `json:"databaseName"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	// ChainPrefix names the firewall chains, e.g. zesk-ipban-ban-input.
	ChainPrefix string `json:"chainPrefix"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	FIFOName = b.FIFOName
	DatabaseName = b.DatabaseName
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	ChainPrefix = b.ChainPrefix
}

var (
	Name             string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	FIFOName         string
	DatabaseName     string
	BinaryName       string
	ConfigFileName   string
	ChainPrefix      string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// UserAgent is sent with toxic list downloads.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// envDir resolves IPBAN_<NAME>_DIR, then IPBAN_PREFIX/<sub>, then def.
func envDir(name, sub, def string) string {
	if dir := os.Getenv(ConfigEnvPrefix + "_" + name + "_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// GetStateDir returns the state directory.
// Priority: IPBAN_STATE_DIR > IPBAN_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	return envDir("STATE", "state", DefaultStateDir)
}

// GetConfigDir returns the config directory, checking env vars first.
func GetConfigDir() string {
	return envDir("CONFIG", "config", DefaultConfigDir)
}

// DefaultConfigPath returns the config file path used when none is given.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}
