package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a job uid: 128 bits rendered as 32 hex characters
func NewJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewResultID generates a result file name, same shape as job uids
func NewResultID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewInstallID generates the UUID naming a package's on-disk directory
func NewInstallID() string {
	return uuid.New().String()
}
