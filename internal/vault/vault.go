package vault

import (
	"errors"
	"io"
)

// ErrNotFound is returned when no state has been exported under a name.
var ErrNotFound = errors.New("vault: not found")

// Vault stores exported scheduler state off the machine, so a reinstalled
// host can recover its directory list and schedule.
type Vault interface {
	// PutMetadata stores a named item for a host. size is the number of
	// bytes that will be read from r; version is kept alongside the item.
	PutMetadata(hostID, name string, r io.Reader, size int64, version int64) error

	// GetMetadata writes a named item for a host to w. It returns an error
	// wrapping ErrNotFound when nothing has been stored.
	GetMetadata(hostID, name string, w io.Writer) error

	// GetMetadataVersion returns the stored version, or 0 if nothing has been stored.
	GetMetadataVersion(hostID, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible.
	ValidateSetup() error
}
