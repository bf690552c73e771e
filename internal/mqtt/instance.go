package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile holds the stable client identity inside the data dir.
const instanceFile = "mqtt_instance_id"

// LoadOrCreateInstanceID reads the instance ID from dataDir, or
// generates a UUIDv7 and persists it. The ID keeps the broker client
// identity stable across restarts when no client_id is configured.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID returns the configured client ID, or one derived from the
// instance ID.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	short := strings.ReplaceAll(instanceID, "-", "")
	if len(short) > 12 {
		short = short[len(short)-12:]
	}
	return "turnloop-" + short
}
