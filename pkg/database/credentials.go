package database

import (
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// Keyring service name for database credentials (base name)
	DatabaseKeyringService = "redb-modules"
	DatabasePasswordKey    = "postgres-password"
)

// keyringServiceName returns the instance-aware keyring service name
func keyringServiceName() string {
	groupID := os.Getenv("REDB_INSTANCE_GROUP_ID")
	if groupID == "" || groupID == "default" {
		return DatabaseKeyringService
	}
	return DatabaseKeyringService + "-" + groupID
}

// GetDatabasePassword retrieves the database password from the system keyring
func GetDatabasePassword() (string, error) {
	password, err := keyring.Get(keyringServiceName(), DatabasePasswordKey)
	if err != nil {
		return "", fmt.Errorf("database password not found in keyring: %w", err)
	}
	return password, nil
}

// SetDatabasePassword stores the database password in the system keyring
func SetDatabasePassword(password string) error {
	return keyring.Set(keyringServiceName(), DatabasePasswordKey, password)
}
