// Package vault encrypts secrets with AES-256-GCM under an argon2id-derived
// key. Encrypted values carry a header identifying the format and cipher so
// they can be spotted inside playbooks and resolved lazily at execution time.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/nexus-automation/nexus/pkg/engine"
)

const (
	formatID = "$NEXUS_VAULT"
	version  = "1.0"
	cipherID = "AES256"

	header = formatID + ";" + version + ";" + cipherID

	// argon2id parameters: time=3, memory=64MB, parallelism=4
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLength   = 32

	saltLength   = 16
	gcmNonceSize = 12

	// wrapWidth is the line width of the base64 payload in vault files.
	wrapWidth = 80
)

// Vault encrypts and decrypts secrets with a single password.
type Vault struct {
	password []byte
}

// New creates a vault bound to a password.
func New(password string) *Vault {
	return &Vault{password: []byte(password)}
}

// IsVault reports whether s looks like vault-encrypted data.
func IsVault(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), formatID+";")
}

// IsSecret reports whether s must be resolved before use.
func (v *Vault) IsSecret(s string) bool {
	return IsVault(s)
}

// Resolve decrypts a vault-encrypted value to its plaintext.
func (v *Vault) Resolve(s string) (string, error) {
	plain, err := v.Decrypt(s)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt seals plaintext and returns the armored vault text: the header
// line followed by the wrapped base64 payload.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	encoded := base64.StdEncoding.EncodeToString(payload)
	for len(encoded) > wrapWidth {
		b.WriteString(encoded[:wrapWidth])
		b.WriteByte('\n')
		encoded = encoded[wrapWidth:]
	}
	b.WriteString(encoded)
	b.WriteByte('\n')
	return b.String(), nil
}

// Decrypt opens armored vault text produced by Encrypt.
func (v *Vault) Decrypt(armored string) ([]byte, error) {
	head, body, found := strings.Cut(strings.TrimSpace(armored), "\n")
	if !found {
		return nil, engine.NewConfigError("malformed vault data: missing payload", nil)
	}

	parts := strings.Split(strings.TrimSpace(head), ";")
	if len(parts) != 3 || parts[0] != formatID {
		return nil, engine.NewConfigError("malformed vault data: bad header", nil)
	}
	if parts[1] != version {
		return nil, engine.NewConfigError(fmt.Sprintf("unsupported vault version %q", parts[1]), nil)
	}
	if parts[2] != cipherID {
		return nil, engine.NewConfigError(fmt.Sprintf("unsupported vault cipher %q", parts[2]), nil)
	}

	payload, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body, "\n", ""))
	if err != nil {
		return nil, engine.NewConfigError("malformed vault data: bad base64 payload", err)
	}
	if len(payload) < saltLength+gcmNonceSize {
		return nil, engine.NewConfigError("malformed vault data: payload too short", nil)
	}

	salt := payload[:saltLength]
	nonce := payload[saltLength : saltLength+gcmNonceSize]
	sealed := payload[saltLength+gcmNonceSize:]

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return nil, err
	}

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, engine.NewConfigError("vault decryption failed: wrong password or corrupted data", err)
	}
	return plain, nil
}

// EncryptFile encrypts a plaintext file in place with restrictive
// permissions. Already-encrypted files are rejected.
func (v *Vault) EncryptFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if IsVault(string(raw)) {
		return engine.NewConfigError(fmt.Sprintf("%s is already vault-encrypted", path), nil)
	}

	armored, err := v.Encrypt(raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(armored), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// DecryptFile decrypts a vault file in place.
func (v *Vault) DecryptFile(path string) error {
	plain, err := v.ViewFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, plain, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ViewFile returns a vault file's plaintext without modifying it.
func (v *Vault) ViewFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !IsVault(string(raw)) {
		return nil, engine.NewConfigError(fmt.Sprintf("%s is not vault-encrypted", path), nil)
	}
	return v.Decrypt(string(raw))
}

func (v *Vault) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(v.password, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
