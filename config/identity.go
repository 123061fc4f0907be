package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Mmx233/tsproto/tscrypt"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// IdentityFile is the on-disk form of a tscrypt.Identity
type IdentityFile struct {
	Key                  string `json:"key"`
	KeyOffset            uint64 `json:"key_offset"`
	LastCheckedKeyOffset uint64 `json:"last_checked_key_offset"`
}

func NewIdentityFile(id *tscrypt.Identity) IdentityFile {
	return IdentityFile{
		Key:                  id.PrivateKeyString,
		KeyOffset:            id.ValidKeyOffset,
		LastCheckedKeyOffset: id.LastCheckedKeyOffset,
	}
}

func (f IdentityFile) Identity() (*tscrypt.Identity, error) {
	return tscrypt.LoadIdentity(f.Key, f.KeyOffset, f.LastCheckedKeyOffset)
}

// ReadIdentity loads an identity saved by WriteIdentity.
func ReadIdentity(path string) (*tscrypt.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var f IdentityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return f.Identity()
}

// WriteIdentity saves id to path, readable by the owner only.
func WriteIdentity(path string, id *tscrypt.Identity) error {
	data, err := json.MarshalIndent(NewIdentityFile(id), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// LoadOrCreateIdentity returns the identity stored at path, raised to at
// least level. A missing file gets a fresh identity. Any hashcash progress,
// including progress interrupted by ctx, is written back.
func LoadOrCreateIdentity(ctx context.Context, path string, level int) (*tscrypt.Identity, error) {
	logger := log.With().Str("com", "identity").Str("path", path).Logger()

	id, err := ReadIdentity(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info().Int("level", level).Msg("creating new identity")
		id, err = tscrypt.GenerateIdentity(ctx, level)
		if err != nil {
			return nil, err
		}
		if err := WriteIdentity(path, id); err != nil {
			return nil, err
		}
		return id, nil
	case err != nil:
		return nil, err
	}

	if id.Level() >= level {
		return id, nil
	}

	logger.Info().Int("from", id.Level()).Int("to", level).Msg("improving identity security level")
	improveErr := tscrypt.ImproveSecurity(ctx, id, level)
	if err := WriteIdentity(path, id); err != nil {
		return nil, err
	}
	if improveErr != nil {
		return nil, improveErr
	}
	return id, nil
}
