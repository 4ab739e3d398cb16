package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Config file structure
type configFile struct {
	DBPath            string `json:"db_path"`
	SocketPath        string `json:"socket_path"`
	WSPort            string `json:"ws_port"`
	ControlPlaneURL   string `json:"control_plane_url"`
	ControlPlaneToken string `json:"control_plane_token"`
}

var (
	loadedConfig configFile
	configMu     sync.RWMutex
)

func init() {
	loadConfig()
}

// loadConfig loads configuration from file
func loadConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	// Reset to empty
	loadedConfig = configFile{}

	configPath := os.Getenv("NBGATE_CONFIG_PATH")
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		configPath = filepath.Join(home, ".nbgate", "config.json")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return // Config file doesn't exist, use defaults
	}

	json.Unmarshal(data, &loadedConfig)
}

// reloadConfig reloads configuration (for testing)
func reloadConfig() {
	loadConfig()
}

// nbgateDir returns the base directory for nbgate files
func nbgateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.nbgate"
	}
	return filepath.Join(home, ".nbgate")
}

// DBPath returns the SQLite database path
// Priority: NBGATE_DB_PATH env var > config file > default
func DBPath() string {
	if envPath := os.Getenv("NBGATE_DB_PATH"); envPath != "" {
		return envPath
	}

	configMu.RLock()
	configPath := loadedConfig.DBPath
	configMu.RUnlock()
	if configPath != "" {
		return configPath
	}

	return filepath.Join(nbgateDir(), "nbgate.db")
}

// SocketPath returns the unix socket path
// Priority: NBGATE_SOCKET_PATH env var > config file > default
func SocketPath() string {
	if envPath := os.Getenv("NBGATE_SOCKET_PATH"); envPath != "" {
		return envPath
	}

	configMu.RLock()
	configPath := loadedConfig.SocketPath
	configMu.RUnlock()
	if configPath != "" {
		return configPath
	}

	return filepath.Join(nbgateDir(), "nbgate.sock")
}

// WSPort returns the local port the window-facing WebSocket endpoint binds.
// Priority: NBGATE_WS_PORT env var > config file > default
func WSPort() string {
	if envPort := os.Getenv("NBGATE_WS_PORT"); envPort != "" {
		return envPort
	}

	configMu.RLock()
	port := loadedConfig.WSPort
	configMu.RUnlock()
	if port != "" {
		return port
	}

	return "9877"
}

// ControlPlaneURL returns the base URL of the runtime control plane.
// Priority: NBGATE_CONTROL_PLANE_URL env var > config file > default
func ControlPlaneURL() string {
	if envURL := os.Getenv("NBGATE_CONTROL_PLANE_URL"); envURL != "" {
		return envURL
	}

	configMu.RLock()
	url := loadedConfig.ControlPlaneURL
	configMu.RUnlock()
	if url != "" {
		return url
	}

	return "https://prod1.datalayer.run"
}

// ControlPlaneToken returns the bearer token for control-plane calls.
// Priority: NBGATE_CONTROL_PLANE_TOKEN env var > config file
func ControlPlaneToken() string {
	if envToken := os.Getenv("NBGATE_CONTROL_PLANE_TOKEN"); envToken != "" {
		return envToken
	}

	configMu.RLock()
	defer configMu.RUnlock()
	return loadedConfig.ControlPlaneToken
}

// LogPath returns the log file path
func LogPath() string {
	return filepath.Join(nbgateDir(), "daemon.log")
}
