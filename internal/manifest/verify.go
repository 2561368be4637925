package manifest

import (
	"errors"
	"fmt"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// Verifier validates detached minisign signatures over manifest payloads.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier parses a minisign public key. It accepts either the full .pub
// document (untrusted comment line plus key line) or the bare base64 key
// line alone.
func NewVerifier(pubKey string) (*Verifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("manifest public key is required")
	}
	if !strings.Contains(pubKey, "\n") {
		pubKey = "untrusted comment: minisign public key\n" + pubKey
	}
	publicKey, err := minisign.DecodePublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("parse manifest public key: %w", err)
	}
	return &Verifier{publicKey: publicKey}, nil
}

// Verify checks the detached signature over payload.
func (v *Verifier) Verify(payload, signature []byte) error {
	sig, err := minisign.DecodeSignature(string(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	ok, err := v.publicKey.Verify(payload, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}
