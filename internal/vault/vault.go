package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatmux/internal/constants"
	apperrors "chatmux/internal/errors"
	"chatmux/internal/models"
	"chatmux/internal/security"

	"golang.org/x/crypto/pbkdf2"
)

const (
	entropyFileName = "install.key"
	saltFileName    = "install.salt"
)

// CredentialStore is the persistence boundary for encrypted credentials,
// implemented by the local store.
type CredentialStore interface {
	SaveCredential(ctx context.Context, platform models.Platform, secretBlob string) error
	GetActiveCredential(ctx context.Context, platform models.Platform) (*models.Credential, error)
	DeactivateCredentials(ctx context.Context, platform models.Platform) error
}

// Vault derives a per-installation master key and encrypts anything the rest
// of the system flags sensitive. The key is read-only after New returns and
// safe for concurrent use.
type Vault struct {
	gcm   cipher.AEAD
	store CredentialStore
}

// New loads or creates the installation entropy and salt under dataDir and
// derives the master key. Without a master key nothing can be encrypted, so
// any failure here is fatal to startup.
func New(dataDir string, store CredentialStore) (*Vault, error) {
	if err := security.EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("vault data directory unusable: %w", err)
	}

	entropy, err := loadOrCreateSecret(filepath.Join(dataDir, entropyFileName), constants.VaultEntropySize)
	if err != nil {
		return nil, fmt.Errorf("failed to load installation entropy: %w", err)
	}
	salt, err := loadOrCreateSecret(filepath.Join(dataDir, saltFileName), constants.VaultSaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load key salt: %w", err)
	}

	key := pbkdf2.Key(entropy, salt, constants.VaultPBKDF2Iterations, constants.VaultKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{gcm: gcm, store: store}, nil
}

// AttachStore wires the credential persistence layer in after construction.
// The local store needs the vault as its content cipher, so at startup the
// vault is created first and joined to the store here.
func (v *Vault) AttachStore(store CredentialStore) {
	v.store = store
}

func loadOrCreateSecret(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is vault-internal, validated by EnsureDir
	if err == nil {
		if len(data) != size {
			return nil, fmt.Errorf("secret file %s has unexpected size %d", filepath.Base(path), len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	data = make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("entropy source unavailable: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist secret file: %w", err)
	}
	return data, nil
}

// Encrypt seals plaintext with AES-256-GCM. The random nonce is prepended to
// the ciphertext and the whole blob is base64 encoded for storage in text
// columns.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, constants.VaultNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := v.gcm.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// Decrypt reverses Encrypt. Corrupt or foreign-key blobs come back as a
// DECRYPTION AppError; callers on read paths degrade to a placeholder
// instead of failing the whole query.
func (v *Vault) Decrypt(blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, apperrors.NewDecryptionError(err)
	}
	if len(data) < constants.VaultNonceSize {
		return nil, apperrors.NewDecryptionError(fmt.Errorf("ciphertext too short"))
	}

	nonce, ciphertext := data[:constants.VaultNonceSize], data[constants.VaultNonceSize:]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.NewDecryptionError(err)
	}
	return plaintext, nil
}

// StoreCredential encrypts the token and persists it as the platform's only
// active credential.
func (v *Vault) StoreCredential(ctx context.Context, platform models.Platform, token string) error {
	blob, err := v.Encrypt([]byte(token))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return v.store.SaveCredential(ctx, platform, blob)
}

// GetCredential returns the decrypted active token for the platform and its
// age, so callers can prompt re-auth before platform-side expiry. A nil
// error with empty token means no credential is stored.
func (v *Vault) GetCredential(ctx context.Context, platform models.Platform) (string, time.Duration, error) {
	cred, err := v.store.GetActiveCredential(ctx, platform)
	if err != nil {
		return "", 0, err
	}
	if cred == nil {
		return "", 0, nil
	}

	plaintext, err := v.Decrypt(cred.SecretBlob)
	if err != nil {
		return "", 0, err
	}
	return string(plaintext), time.Since(cred.CapturedAt), nil
}

// ClearCredential deactivates all credentials for the platform, e.g. after
// an auth failure.
func (v *Vault) ClearCredential(ctx context.Context, platform models.Platform) error {
	return v.store.DeactivateCredentials(ctx, platform)
}

// ValidateTokenFormat is a cheap structural check to fail fast before
// spending a network round trip on an obviously malformed token.
func (v *Vault) ValidateTokenFormat(platform models.Platform, token string) bool {
	if len(token) < constants.MinTokenLength || len(token) > constants.MaxTokenLength {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
