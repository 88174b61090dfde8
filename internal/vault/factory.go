package vault

import (
	"context"
	"errors"
	"fmt"
	"os"

	"rsched/internal/config"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(displayName(cfg)), nil
	case "s3":
		return NewS3Vault(ctx, cfg)
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault(displayName(cfg), cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}

func displayName(cfg config.VaultConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return cfg.Type
}

// PublishFile uploads the file at path as item name to every configured
// vault. A failing vault does not stop the others; the names of the vaults
// written are returned together with the joined errors of the rest.
func PublishFile(ctx context.Context, cfgs []config.VaultConfig, hostID, name, path string, version int64) ([]string, error) {
	var written []string
	var errs []error
	for _, cfg := range cfgs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := NewVaultFromConfig(ctx, cfg)
		if err == nil {
			err = PutFile(v, hostID, name, path, version)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("vault %s: %w", displayName(cfg), err))
			continue
		}
		written = append(written, displayName(cfg))
	}
	return written, errors.Join(errs...)
}

// PutFile stores the contents of the file at path in v.
func PutFile(v Vault, hostID, name, path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := v.PutMetadata(hostID, name, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	return nil
}
