// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package hsm signs with keys held on a PKCS#11 hardware token, typically
// the PIV application of a YubiKey.
package hsm

import (
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/ThalesIgnite/crypto11"
	"github.com/sigstore/sigstore/pkg/signature"
)

// PIV tokens expose the digital signature slot (9c) as PKCS#11 object id 2.
const defaultKeyID = 2

var (
	ErrNoModule    = errors.New("no PKCS#11 module configured")
	ErrKeyNotFound = errors.New("no matching key pair on token")
)

// Config locates one signing key on a PKCS#11 token.
type Config struct {
	// Module is the path to the PKCS#11 shared library.
	Module string

	// TokenLabel selects the token when the module exposes more than one.
	// When empty, the first slot is used.
	TokenLabel string

	// KeyID is the CKA_ID of the key pair. Defaults to the PIV digital
	// signature slot.
	KeyID []byte

	// Pin authenticates to the token.
	Pin string

	// Hash is the digest algorithm prescribed by the key's scheme.
	// crypto.Hash(0) signs the full message (ed25519).
	Hash crypto.Hash
}

// ParseURI splits an "hsm:" key URI into the CKA_ID and optional token
// label. Supported forms: "hsm:", "hsm:<id>" and "hsm:<id>?label=<label>".
func ParseURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "hsm:")
	if !ok {
		return nil, "", fmt.Errorf("not an hsm key URI: %q", uri)
	}

	rest, query, _ := strings.Cut(rest, "?")

	keyID := []byte{defaultKeyID}
	if rest != "" {
		id, err := strconv.ParseUint(rest, 10, 8)
		if err != nil {
			return nil, "", fmt.Errorf("invalid key id in %q: %w", uri, err)
		}
		keyID = []byte{byte(id)}
	}

	label := ""
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, "", fmt.Errorf("invalid key URI %q: %w", uri, err)
		}
		label = values.Get("label")
	}

	return keyID, label, nil
}

// Signer signs through an open PKCS#11 session. Close releases the session
// once all signatures are collected.
type Signer struct {
	ctx    *crypto11.Context
	signer crypto.Signer
	hash   crypto.Hash
}

func NewSigner(config *Config) (*Signer, error) {
	if config.Module == "" {
		return nil, ErrNoModule
	}

	cryptoConfig := &crypto11.Config{
		Path:       config.Module,
		TokenLabel: config.TokenLabel,
		Pin:        config.Pin,
	}
	if config.TokenLabel == "" {
		slot := 0
		cryptoConfig.SlotNumber = &slot
	}

	ctx, err := crypto11.Configure(cryptoConfig)
	if err != nil {
		return nil, fmt.Errorf("opening PKCS#11 module %s: %w", config.Module, err)
	}

	keyID := config.KeyID
	if len(keyID) == 0 {
		keyID = []byte{defaultKeyID}
	}

	signer, err := ctx.FindKeyPair(keyID, nil)
	if err != nil {
		ctx.Close() //nolint:errcheck
		return nil, err
	}
	if signer == nil {
		ctx.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: id %x", ErrKeyNotFound, keyID)
	}

	return &Signer{ctx: ctx, signer: signer, hash: config.Hash}, nil
}

// SignMessage implements signature.Signer.
func (s *Signer) SignMessage(message io.Reader, _ ...signature.SignOption) ([]byte, error) {
	data, err := io.ReadAll(message)
	if err != nil {
		return nil, err
	}

	digest := data
	if s.hash != crypto.Hash(0) {
		h := s.hash.New()
		h.Write(data)
		digest = h.Sum(nil)
	}

	return s.signer.Sign(rand.Reader, digest, s.hash)
}

// PublicKey implements signature.Signer.
func (s *Signer) PublicKey(_ ...signature.PublicKeyOption) (crypto.PublicKey, error) {
	return s.signer.Public(), nil
}

// Close releases the PKCS#11 session.
func (s *Signer) Close() error {
	return s.ctx.Close()
}
