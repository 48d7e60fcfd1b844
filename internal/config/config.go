// Package config loads the JSON configuration files the server binary
// reads at startup: listen address, database credentials, object-store
// credentials, and push-provider identity. There are no CLI flags (§6);
// every value comes from a fixed filename in the working directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Server is config.json: {"ip": "...", "port": N}.
type Server struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Addr returns the "ip:port" listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// Database is database_config.json. The field set matches the original
// RDBMS credential shape; only DB (used as the SQLite file path) is
// actually consumed by the persistence gateway — the rest are parsed for
// deployment-tooling compatibility and otherwise unused.
type Database struct {
	User     string `json:"user"`
	Password string `json:"password"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	DB       string `json:"db"`
	Charset  string `json:"charset"`
}

// ObjectStore is cos_config.json: the presigned-URL signing credentials.
type ObjectStore struct {
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Endpoint  string `json:"endpoint"`
}

// Push is push_config.json: the APNs provider identity.
type Push struct {
	TeamID   string `json:"team_id"`
	KeyID    string `json:"key_id"`
	BundleID string `json:"bundle_id"`
	KeyPath  string `json:"key_path"`
	Sandbox  bool   `json:"sandbox"`
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadServer reads a Server config from path.
func LoadServer(path string) (Server, error) {
	var c Server
	err := loadJSON(path, &c)
	return c, err
}

// LoadDatabase reads a Database config from path.
func LoadDatabase(path string) (Database, error) {
	var c Database
	err := loadJSON(path, &c)
	return c, err
}

// LoadObjectStore reads an ObjectStore config from path.
func LoadObjectStore(path string) (ObjectStore, error) {
	var c ObjectStore
	err := loadJSON(path, &c)
	return c, err
}

// LoadPush reads a Push config from path.
func LoadPush(path string) (Push, error) {
	var c Push
	err := loadJSON(path, &c)
	return c, err
}
