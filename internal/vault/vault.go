// Package vault encrypts processor credentials at rest with AES-256-GCM.
//
// The key is loaded once at startup and never changes afterwards, so a Vault
// is safe for concurrent use without locking.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"

	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/config"
	"golang.org/x/crypto/hkdf"
	"gorm.io/datatypes"
)

const (
	blobVersion       = 1
	keySize           = 32
	minPassphraseSize = 32
	hkdfInfo          = "folio/credential-vault/v1"
)

type Vault struct {
	aead  cipher.AEAD
	keyID string
}

type envelope struct {
	Version    int    `json:"version"`
	KeyID      string `json:"kid,omitempty"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// New builds the vault from CREDENTIAL_VAULT_KEY. Any problem with the key
// is returned as an EncryptionError so startup fails instead of requests.
func New(cfg config.Config) (*Vault, error) {
	return NewWithSecret(cfg.CredentialVaultKey)
}

// NewWithSecret accepts a base64 or hex encoded 32-byte key, or a passphrase
// of at least 32 characters that is stretched with HKDF-SHA256.
func NewWithSecret(secret string) (*Vault, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Encryption("cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Encryption("gcm init failed", err)
	}

	sum := sha256.Sum256(key)
	return &Vault{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

func deriveKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, apperr.Encryption("credential vault key is not configured", nil)
	}

	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if len(secret) < minPassphraseSize {
		return nil, apperr.Encryption("credential vault key is malformed: expected 32 bytes (base64 or hex) or a passphrase of at least 32 characters", nil)
	}

	key := make([]byte, keySize)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, apperr.Encryption("key derivation failed", err)
	}
	return key, nil
}

// Encrypt seals a credential map into an opaque versioned blob.
func (v *Vault) Encrypt(credentials map[string]any) (datatypes.JSON, error) {
	if len(credentials) == 0 {
		return nil, apperr.Validation("credentials", "invalid_credentials", "credentials are required")
	}
	plain, err := json.Marshal(credentials)
	if err != nil {
		return nil, apperr.Validation("credentials", "invalid_credentials", "credentials must be JSON encodable")
	}
	return v.seal(plain)
}

// Decrypt opens a blob produced by Encrypt.
func (v *Vault) Decrypt(blob datatypes.JSON) (map[string]any, error) {
	plain, err := v.open(blob)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, apperr.Encryption("decrypted credentials are not a JSON object", err)
	}
	return out, nil
}

func (v *Vault) EncryptString(value string) (datatypes.JSON, error) {
	if strings.TrimSpace(value) == "" {
		return nil, apperr.Validation("secret", "invalid_secret", "secret is required")
	}
	return v.seal([]byte(value))
}

func (v *Vault) DecryptString(blob datatypes.JSON) (string, error) {
	plain, err := v.open(blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (v *Vault) seal(plain []byte) (datatypes.JSON, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.Encryption("nonce generation failed", err)
	}

	ciphertext := v.aead.Seal(nil, nonce, plain, nil)
	out, err := json.Marshal(envelope{
		Version:    blobVersion,
		KeyID:      v.keyID,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, apperr.Encryption("encode envelope failed", err)
	}
	return datatypes.JSON(out), nil
}

func (v *Vault) open(blob datatypes.JSON) ([]byte, error) {
	if len(blob) == 0 {
		return nil, apperr.Encryption("empty credential blob", nil)
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, apperr.Encryption("credential blob is not an envelope", err)
	}
	if env.Version != blobVersion {
		return nil, apperr.Encryption("unsupported credential blob version", nil)
	}
	if env.KeyID != "" && env.KeyID != v.keyID {
		return nil, apperr.Encryption("credential blob was sealed with a different key", nil)
	}

	nonce, err := base64.RawStdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, apperr.Encryption("invalid nonce", err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, apperr.Encryption("invalid ciphertext", err)
	}
	if len(nonce) != v.aead.NonceSize() {
		return nil, apperr.Encryption("invalid nonce size", nil)
	}

	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperr.Encryption("credential blob failed authentication", err)
	}
	return plain, nil
}
