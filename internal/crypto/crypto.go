// Package crypto seals credential material held in memory by the scenario
// registry. Private keys read from provisioning output are only kept as Fernet
// tokens and opened right before the remote shell is dialed.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a sealed value cannot be verified.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// Vault seals and opens byte strings with a process-local Fernet key.
type Vault struct {
	key *fernet.Key
}

// NewVault creates a vault with a freshly generated key. Tokens sealed by one
// vault cannot be opened by another, which is fine because sessions never
// outlive the process.
func NewVault() (*Vault, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	return &Vault{key: &k}, nil
}

// NewVaultFromKey creates a vault from an encoded Fernet key.
func NewVaultFromKey(encoded string) (*Vault, error) {
	k, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Vault{key: k}, nil
}

// Seal encrypts plaintext into a Fernet token.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, v.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Open verifies and decrypts a token produced by Seal. Tokens never expire.
func (v *Vault) Open(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0*time.Second, []*fernet.Key{v.key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// Mask hides all but the last four characters of value for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
