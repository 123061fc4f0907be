package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mmx233/tsproto/tscrypt"
)

func TestLoadOrCreateIdentity_CreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.json")

	created, err := LoadOrCreateIdentity(context.Background(), path, 4)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	if created.Level() < 4 {
		t.Fatalf("expected level >= 4, got %d", created.Level())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("identity file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := LoadOrCreateIdentity(context.Background(), path, 4)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.PublicKeyString != created.PublicKeyString {
		t.Fatal("expected the saved identity to be reloaded")
	}
	if loaded.ValidKeyOffset != created.ValidKeyOffset {
		t.Errorf("expected key offset %d, got %d", created.ValidKeyOffset, loaded.ValidKeyOffset)
	}
}

func TestLoadOrCreateIdentity_ImprovesAndSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := tscrypt.GenerateIdentity(context.Background(), 0)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	if err := WriteIdentity(path, id); err != nil {
		t.Fatalf("WriteIdentity failed: %v", err)
	}

	improved, err := LoadOrCreateIdentity(context.Background(), path, 6)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	if improved.Level() < 6 {
		t.Fatalf("expected level >= 6, got %d", improved.Level())
	}

	saved, err := ReadIdentity(path)
	if err != nil {
		t.Fatalf("ReadIdentity failed: %v", err)
	}
	if saved.ValidKeyOffset != improved.ValidKeyOffset || saved.LastCheckedKeyOffset != improved.LastCheckedKeyOffset {
		t.Errorf("progress not saved: got %d/%d, want %d/%d",
			saved.ValidKeyOffset, saved.LastCheckedKeyOffset, improved.ValidKeyOffset, improved.LastCheckedKeyOffset)
	}
}

func TestLoadOrCreateIdentity_CancelledKeepsProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := tscrypt.GenerateIdentity(context.Background(), 0)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	if err := WriteIdentity(path, id); err != nil {
		t.Fatalf("WriteIdentity failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = LoadOrCreateIdentity(ctx, path, 160)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if _, err := ReadIdentity(path); err != nil {
		t.Fatalf("identity file damaged after cancel: %v", err)
	}
}

func TestReadIdentity_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadIdentity(filepath.Join(dir, "missing.json"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got: %v", err)
	}

	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte(`{"key": 12`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = ReadIdentity(broken)
	if err == nil || !strings.Contains(err.Error(), "parse identity file") {
		t.Fatalf("expected parse error, got: %v", err)
	}

	badKey := filepath.Join(dir, "badkey.json")
	if err := os.WriteFile(badKey, []byte(`{"key": "not base64!", "key_offset": 1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadIdentity(badKey); err == nil {
		t.Fatal("expected error for undecodable key")
	}
}

func TestIdentityFile_JSONFields(t *testing.T) {
	id, err := tscrypt.GenerateIdentity(context.Background(), 0)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	data, err := json.Marshal(NewIdentityFile(id))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, field := range []string{`"key"`, `"key_offset"`, `"last_checked_key_offset"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("expected %s in %s", field, data)
		}
	}
}
