package sshkeys

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/crypto/ssh"
)

// ErrUnsupportedKeyFormat is returned when no candidate could parse a credential.
var ErrUnsupportedKeyFormat = errors.New("unsupported private key format")

// errKindMismatch marks a key that parsed but belongs to another candidate.
var errKindMismatch = errors.New("key type mismatch")

// KeyKind names a private key algorithm.
type KeyKind string

const (
	KindEd25519 KeyKind = "ed25519"
	KindRSA     KeyKind = "rsa"
	KindECDSA   KeyKind = "ecdsa"
	KindDSA     KeyKind = "dsa"
)

// ParsedKey is the tagged result of a successful probe.
type ParsedKey struct {
	Kind   KeyKind
	Signer ssh.Signer
}

// Candidate is one parse attempt in the probe order.
type Candidate struct {
	Kind  KeyKind
	Parse func(raw any) (any, error)
}

// Candidates is the fixed preference order used by ParseCredential.
var Candidates = []Candidate{
	{Kind: KindEd25519, Parse: asEd25519},
	{Kind: KindRSA, Parse: asRSA},
	{Kind: KindECDSA, Parse: asECDSA},
	{Kind: KindDSA, Parse: asDSA},
}

func asEd25519(raw any) (any, error) {
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	}
	return nil, errKindMismatch
}

func asRSA(raw any) (any, error) {
	if k, ok := raw.(*rsa.PrivateKey); ok {
		if err := k.Validate(); err != nil {
			return nil, fmt.Errorf("validate rsa key: %w", err)
		}
		return k, nil
	}
	return nil, errKindMismatch
}

func asECDSA(raw any) (any, error) {
	if k, ok := raw.(*ecdsa.PrivateKey); ok {
		return k, nil
	}
	return nil, errKindMismatch
}

func asDSA(raw any) (any, error) {
	if k, ok := raw.(*dsa.PrivateKey); ok {
		return k, nil
	}
	return nil, errKindMismatch
}

// ParseCredential decodes PEM credential material and probes Candidates in
// order, returning the first match. Candidate errors are swallowed; only the
// aggregate failure is returned.
func ParseCredential(privateKeyPEM []byte) (*ParsedKey, error) {
	if len(privateKeyPEM) == 0 {
		return nil, fmt.Errorf("%w: empty credential", ErrUnsupportedKeyFormat)
	}

	raw, decodeErr := ssh.ParseRawPrivateKey(privateKeyPEM)

	var attempts []error
	for _, c := range Candidates {
		if decodeErr != nil {
			attempts = append(attempts, fmt.Errorf("%s: %w", c.Kind, decodeErr))
			continue
		}
		key, err := c.Parse(raw)
		if err != nil {
			attempts = append(attempts, fmt.Errorf("%s: %w", c.Kind, err))
			continue
		}
		signer, err := ssh.NewSignerFromKey(key)
		if err != nil {
			attempts = append(attempts, fmt.Errorf("%s: create signer: %w", c.Kind, err))
			continue
		}
		return &ParsedKey{Kind: c.Kind, Signer: signer}, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrUnsupportedKeyFormat, errors.Join(attempts...))
}

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// RecordingHostKeyCallback accepts any host key and logs its fingerprint
// against the session it was seen for.
func RecordingHostKeyCallback(sessionID string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Printf("[sshkeys] session %s: host %s presented %s key %s",
			sessionID, hostname, key.Type(), ssh.FingerprintSHA256(key))
		return nil
	}
}
