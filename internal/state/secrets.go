package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/neuraworks/neurareport/internal/artifact"
)

const (
	secretsFileName = "secrets.json"
	keyFileName     = "state.key"
)

// secretBox encrypts connection credential blobs with AES-256-GCM. The key is
// supplied via NEURA_STATE_SECRET or a process-local key file created with
// 0600 permissions on first use; either way the raw material is normalized to
// a 32-byte key with sha256.
type secretBox struct {
	aead cipher.AEAD
	path string
}

func newSecretBox(stateDir, envSecret string) (*secretBox, error) {
	material := strings.TrimSpace(envSecret)
	if material == "" {
		var err error
		material, err = loadOrCreateKeyFile(filepath.Join(stateDir, keyFileName))
		if err != nil {
			return nil, err
		}
	}
	key := sha256.Sum256([]byte(material))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &secretBox{
		aead: aead,
		path: filepath.Join(stateDir, secretsFileName),
	}, nil
}

func loadOrCreateKeyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	material := hex.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(material+"\n"), 0o600); err != nil {
		return "", err
	}
	return material, nil
}

func (sb *secretBox) seal(plaintext string) (string, error) {
	nonce := make([]byte, sb.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := sb.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (sb *secretBox) open(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", err
	}
	ns := sb.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("secret blob too short")
	}
	plain, err := sb.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// sidecar file: ref -> sealed blob.

func (sb *secretBox) store(ref, plaintext string) error {
	table, err := sb.readTable()
	if err != nil {
		return err
	}
	sealed, err := sb.seal(plaintext)
	if err != nil {
		return err
	}
	table[ref] = sealed
	return sb.writeTable(table)
}

func (sb *secretBox) fetch(ref string) (string, error) {
	table, err := sb.readTable()
	if err != nil {
		return "", err
	}
	blob, ok := table[ref]
	if !ok {
		return "", os.ErrNotExist
	}
	return sb.open(blob)
}

func (sb *secretBox) remove(ref string) error {
	table, err := sb.readTable()
	if err != nil {
		return err
	}
	if _, ok := table[ref]; !ok {
		return nil
	}
	delete(table, ref)
	return sb.writeTable(table)
}

func (sb *secretBox) readTable() (map[string]string, error) {
	b, err := os.ReadFile(sb.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	table := map[string]string{}
	if err := json.Unmarshal(b, &table); err != nil {
		return nil, fmt.Errorf("decode %s: %w", sb.path, err)
	}
	return table, nil
}

func (sb *secretBox) writeTable(table map[string]string) error {
	return artifact.WriteJSONAtomic(sb.path, table)
}
