// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package signerverifier resolves signers from key URIs and verifiers from
// public keys. Backends live in subpackages; this package only dispatches.
package signerverifier

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier/hsm"
	"github.com/repository-playground/playground/internal/signerverifier/kms"
	"github.com/repository-playground/playground/internal/signerverifier/sigstore"
	signeropts "github.com/repository-playground/playground/internal/signerverifier/sigstore/options/signer"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

const (
	SchemeHSM      = "hsm"
	SchemeGCPKMS   = "gcpkms"
	SchemeAzureKMS = "azurekms"
	SchemeSigstore = "sigstore"
	SchemeEnv      = "envvar"

	// EnvLocalTestingKey holds a hex-encoded ed25519 private key. When set,
	// online signing uses it instead of the configured backend. Test
	// deployments only.
	EnvLocalTestingKey = "LOCAL_TESTING_KEY"
)

var (
	ErrUnknownScheme     = errors.New("unknown signer URI scheme")
	ErrSignerUnavailable = errors.New("signer unavailable")
	ErrUnknownKeyType    = errors.New("unknown key type")
)

// Options carry environment the backends cannot discover on their own.
type Options struct {
	// PKCS11Module is the PKCS#11 shared library path for hsm keys.
	PKCS11Module string

	// SecretFunc prompts for a named secret, such as the token PIN.
	SecretFunc func(name string) (string, error)

	// IdentityToken is a pre-fetched OIDC token for keyless signing.
	IdentityToken string
}

// SignerFor opens a signer for a key URI. key supplies scheme details the
// URI alone does not carry, and may be nil for backends that do not need it.
func SignerFor(ctx context.Context, uri string, key *metadata.Key, opts *Options) (signature.Signer, error) {
	if opts == nil {
		opts = &Options{}
	}

	scheme, rest, found := strings.Cut(uri, ":")
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri)
	}

	switch scheme {
	case SchemeHSM:
		keyID, label, err := hsm.ParseURI(uri)
		if err != nil {
			return nil, err
		}
		pin := ""
		if opts.SecretFunc != nil {
			pin, err = opts.SecretFunc("pin")
			if err != nil {
				return nil, err
			}
		}
		signer, err := hsm.NewSigner(&hsm.Config{
			Module:     opts.PKCS11Module,
			TokenLabel: label,
			KeyID:      keyID,
			Pin:        pin,
			Hash:       hashForKey(key),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, err)
		}
		return signer, nil

	case SchemeGCPKMS, SchemeAzureKMS:
		signer, err := kms.NewSigner(ctx, uri, hashForKey(key))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, err)
		}
		return signer, nil

	case SchemeSigstore:
		sopts := []signeropts.Option{}
		if opts.IdentityToken != "" {
			sopts = append(sopts, signeropts.WithIdentityToken(opts.IdentityToken))
		}
		if ambient, ok := ambientParam(rest); ok {
			sopts = append(sopts, signeropts.WithAmbient(ambient))
		}
		return sigstore.NewSigner(sopts...), nil

	case SchemeEnv:
		return signerFromEnv(rest)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri)
	}
}

// OnlineSignerFor resolves the signer for an online role key. When
// LOCAL_TESTING_KEY is set it wins over the key's configured backend.
func OnlineSignerFor(ctx context.Context, key *metadata.Key) (signature.Signer, error) {
	if value := os.Getenv(EnvLocalTestingKey); value != "" {
		return localSigner(value)
	}

	uri := roles.OnlineURI(key)
	if uri == "" {
		return nil, fmt.Errorf("%w: key %s has no online URI", ErrSignerUnavailable, key.ID())
	}
	return SignerFor(ctx, uri, key, nil)
}

// VerifierFor returns a verifier for a public key. Keyless keys verify
// against the identity they name; other keys verify through the digest their
// scheme prescribes.
func VerifierFor(key *metadata.Key) (signature.Verifier, error) {
	if sigstore.IsKey(key) {
		identity, issuer, err := sigstore.IdentityAndIssuer(key)
		if err != nil {
			return nil, err
		}
		return sigstore.NewVerifierFromIdentityAndIssuer(identity, issuer), nil
	}

	publicKey, err := key.ToPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownKeyType, err)
	}

	hash := hashForKey(key)

	// RSA keys use PSS, which LoadVerifier alone does not infer.
	if key.Type == metadata.KeyTypeRSASSA_PSS_SHA256 {
		publicKeyRSA, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrUnknownKeyType)
		}
		return signature.LoadRSAPSSVerifier(publicKeyRSA, hash, &rsa.PSSOptions{Hash: crypto.SHA256})
	}

	return signature.LoadVerifier(publicKey, hash)
}

// SignRole signs role's canonical payload with signer and records the
// signature under keyID. Keyless signers attach their bundle alongside the
// raw signature bytes.
func SignRole(ctx context.Context, role *roles.Role, signer signature.Signer, keyID string) error {
	if keyless, ok := signer.(*sigstore.Signer); ok {
		payload, err := role.SignedBytes()
		if err != nil {
			return err
		}
		sig, material, err := keyless.Sign(ctx, payload)
		if err != nil {
			return fmt.Errorf("%w: %w", roles.ErrSignatureRejected, err)
		}
		role.SetSignature(metadata.Signature{
			KeyID:              keyID,
			Signature:          sig,
			UnrecognizedFields: material,
		})
		return nil
	}

	return role.Sign(signer, keyID)
}

// ImportOnlineKey reads the public half of an online signing key and returns
// it as repository metadata carrying the key's URI.
func ImportOnlineKey(ctx context.Context, uri string) (*metadata.Key, error) {
	scheme, rest, _ := strings.Cut(uri, ":")

	switch scheme {
	case SchemeGCPKMS, SchemeAzureKMS:
		signer, err := kms.NewSigner(ctx, uri, crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, err)
		}
		publicKey, err := signer.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, err)
		}
		key, err := metadata.KeyFromPublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		roles.SetOnlineURI(key, uri)
		return key, nil

	case SchemeEnv:
		name := rest
		if name == "" {
			name = EnvLocalTestingKey
		}
		value := os.Getenv(name)
		if value == "" {
			return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSignerUnavailable, name)
		}
		private, err := privateKeyFromHex(value)
		if err != nil {
			return nil, err
		}
		key, err := metadata.KeyFromPublicKey(private.Public())
		if err != nil {
			return nil, err
		}
		roles.SetOnlineURI(key, uri)
		return key, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri)
	}
}

// ImportSignerKey reads the public half of a personal signing key so it can
// be bound to its owner in a delegation. Hardware keys are read through
// PKCS#11; a sigstore URI resolves the signer's OIDC identity, which opens a
// browser outside CI.
func ImportSignerKey(ctx context.Context, uri string, opts *Options) (*metadata.Key, error) {
	if opts == nil {
		opts = &Options{}
	}

	scheme, rest, _ := strings.Cut(uri, ":")

	switch scheme {
	case SchemeHSM:
		keyID, label, err := hsm.ParseURI(uri)
		if err != nil {
			return nil, err
		}
		pin := ""
		if opts.SecretFunc != nil {
			pin, err = opts.SecretFunc("pin")
			if err != nil {
				return nil, err
			}
		}
		signer, err := hsm.NewSigner(&hsm.Config{
			Module:     opts.PKCS11Module,
			TokenLabel: label,
			KeyID:      keyID,
			Pin:        pin,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, err)
		}
		defer signer.Close() //nolint:errcheck
		publicKey, err := signer.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, err)
		}
		return metadata.KeyFromPublicKey(publicKey)

	case SchemeSigstore:
		sopts := []signeropts.Option{}
		if opts.IdentityToken != "" {
			sopts = append(sopts, signeropts.WithIdentityToken(opts.IdentityToken))
		}
		if ambient, ok := ambientParam(rest); ok {
			sopts = append(sopts, signeropts.WithAmbient(ambient))
		}
		return sigstore.NewSigner(sopts...).MetadataKey(ctx)

	case SchemeEnv:
		name := rest
		if name == "" {
			name = EnvLocalTestingKey
		}
		value := os.Getenv(name)
		if value == "" {
			return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSignerUnavailable, name)
		}
		private, err := privateKeyFromHex(value)
		if err != nil {
			return nil, err
		}
		return metadata.KeyFromPublicKey(private.Public())

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri)
	}
}

// hashForKey maps a key's scheme to the digest used when signing and
// verifying with it.
func hashForKey(key *metadata.Key) crypto.Hash {
	if key == nil {
		return crypto.SHA256
	}
	if key.Type == metadata.KeyTypeEd25519 {
		return crypto.Hash(0)
	}
	switch key.Scheme {
	case metadata.KeySchemeECDSA_SHA2_P256:
		return crypto.SHA256
	case metadata.KeySchemeECDSA_SHA2_P384:
		return crypto.SHA384
	default:
		return crypto.SHA256
	}
}

func ambientParam(rest string) (value, ok bool) {
	query, found := strings.CutPrefix(rest, "?")
	if !found {
		return false, false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return false, false
	}
	switch values.Get("ambient") {
	case "":
		return false, false
	case "false", "0":
		return false, true
	default:
		return true, true
	}
}

// signerFromEnv loads a hex ed25519 private key from the named environment
// variable.
func signerFromEnv(name string) (signature.Signer, error) {
	if name == "" {
		name = EnvLocalTestingKey
	}
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSignerUnavailable, name)
	}
	return localSigner(value)
}

func localSigner(hexKey string) (signature.Signer, error) {
	private, err := privateKeyFromHex(hexKey)
	if err != nil {
		return nil, err
	}
	return signature.LoadSigner(private, crypto.Hash(0))
}

func privateKeyFromHex(hexKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid hex private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(raw))
	}
}
