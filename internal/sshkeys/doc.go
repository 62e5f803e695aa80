// Package sshkeys turns credential material handed back by the provisioning
// tool into SSH signers, and generates key pairs for local sandboxes.
//
// # Credential Probing
//
// Provisioning output does not say which algorithm a private key uses.
// [ParseCredential] walks [Candidates] in a fixed preference order
// (Ed25519, RSA, ECDSA, DSA) and stops at the first candidate that accepts the
// key. Per-candidate failures are collected, never returned individually; when
// every candidate rejects the input the caller gets a single error wrapping
// [ErrUnsupportedKeyFormat] with all attempts joined.
//
//	key, err := sshkeys.ParseCredential(pemBytes)
//	if errors.Is(err, sshkeys.ErrUnsupportedKeyFormat) { ... }
//	log.Printf("loaded %s key", key.Kind)
//
// # Host Keys
//
// Sandbox hosts are created minutes before the first connection, so there is
// nothing to pin against. [RecordingHostKeyCallback] accepts any host key and
// logs its fingerprint at the [sshkeys] prefix.
package sshkeys
