// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package sigstore implements the keyless signing backend. Signing binds an
// ephemeral keypair to the signer's OIDC identity through a Fulcio
// certificate and logs the signature in Rekor; the resulting bundle travels
// in the signature's unrecognized fields so published metadata verifies
// without re-running the OIDC flow.
package sigstore

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	signeropts "github.com/repository-playground/playground/internal/signerverifier/sigstore/options/signer"
	verifieropts "github.com/repository-playground/playground/internal/signerverifier/sigstore/options/verifier"
	"github.com/sigstore/cosign/v3/pkg/providers"
	protobundle "github.com/sigstore/protobuf-specs/gen/pb-go/bundle/v1"
	"github.com/sigstore/sigstore-go/pkg/bundle"
	"github.com/sigstore/sigstore-go/pkg/root"
	"github.com/sigstore/sigstore-go/pkg/sign"
	sigstoretuf "github.com/sigstore/sigstore-go/pkg/tuf"
	"github.com/sigstore/sigstore-go/pkg/verify"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/oauthflow"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/theupdateframework/go-tuf/v2/metadata"
	"google.golang.org/protobuf/encoding/protojson"

	// Ambient OIDC credential detection for CI runs.
	_ "github.com/sigstore/cosign/v3/pkg/providers/github"
)

const (
	KeyType   = "sigstore-oidc"
	KeyScheme = "Fulcio"

	// Key custom fields naming the trusted identity.
	FieldIdentity = "identity"
	FieldIssuer   = "issuer"

	// Signature custom field carrying the Sigstore bundle.
	FieldBundle = "bundle"

	// Private Sigstore instances are pinned with these instead of the public
	// instance's TUF root.
	EnvSigstoreRootFile           = "SIGSTORE_ROOT_FILE"
	EnvSigstoreCTLogPublicKeyFile = "SIGSTORE_CT_LOG_PUBLIC_KEY_FILE"
	EnvSigstoreRekorPublicKey     = "SIGSTORE_REKOR_PUBLIC_KEY"
)

var ErrNoBundle = errors.New("signature carries no Sigstore bundle")

// NewKey returns the metadata form of a keyless identity. The key carries no
// key material; verification resolves through the bundle recorded with each
// signature.
func NewKey(identity, issuer string) *metadata.Key {
	return &metadata.Key{
		Type:   KeyType,
		Scheme: KeyScheme,
		Value: metadata.KeyVal{
			UnrecognizedFields: map[string]any{
				FieldIdentity: identity,
				FieldIssuer:   issuer,
			},
		},
	}
}

// IsKey reports whether key describes a keyless identity.
func IsKey(key *metadata.Key) bool {
	return key != nil && key.Type == KeyType
}

// IdentityAndIssuer extracts the trusted identity from a keyless key.
func IdentityAndIssuer(key *metadata.Key) (string, string, error) {
	identity, _ := key.Value.UnrecognizedFields[FieldIdentity].(string)
	issuer, _ := key.Value.UnrecognizedFields[FieldIssuer].(string)
	if identity == "" || issuer == "" {
		return "", "", errors.New("keyless key does not name an identity and issuer")
	}
	return identity, issuer, nil
}

// Verifier checks keyless signatures against an expected identity. The
// bundle for the signature under inspection is supplied via SetMaterial
// before VerifySignature runs.
type Verifier struct {
	rekorURL string
	issuer   string
	identity string
	bundle   []byte
}

func NewVerifierFromIdentityAndIssuer(identity, issuer string, opts ...verifieropts.Option) *Verifier {
	options := verifieropts.DefaultOptions()
	for _, fn := range opts {
		fn(options)
	}

	return &Verifier{
		rekorURL: options.RekorURL,
		issuer:   issuer,
		identity: identity,
	}
}

// SetMaterial records the bundle carried in a signature's unrecognized
// fields for the next VerifySignature call.
func (v *Verifier) SetMaterial(fields map[string]any) {
	v.bundle = nil
	raw, ok := fields[FieldBundle]
	if !ok {
		return
	}
	bundleJSON, err := json.Marshal(raw)
	if err != nil {
		return
	}
	v.bundle = bundleJSON
}

// PublicKey implements signature.Verifier. Keyless identities have no
// long-lived key material.
func (v *Verifier) PublicKey(_ ...signature.PublicKeyOption) (crypto.PublicKey, error) {
	return nil, nil
}

// VerifySignature implements signature.Verifier. sig must match the message
// signature inside the bundle set via SetMaterial, and the bundle must chain
// to the expected identity through the configured Sigstore instance.
func (v *Verifier) VerifySignature(sig, message io.Reader, _ ...signature.VerifyOption) error {
	sigBytes, err := io.ReadAll(sig)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}

	if len(v.bundle) == 0 {
		return ErrNoBundle
	}

	pbBundle := new(protobundle.Bundle)
	if err := protojson.Unmarshal(v.bundle, pbBundle); err != nil {
		return fmt.Errorf("invalid Sigstore bundle: %w", err)
	}
	ms := pbBundle.GetMessageSignature()
	if ms == nil || !bytes.Equal(ms.GetSignature(), sigBytes) {
		return errors.New("signature does not match its Sigstore bundle")
	}

	trustedRoot, privateInstance, err := v.getTUFRoot()
	if err != nil {
		return fmt.Errorf("establishing Sigstore root of trust: %w", err)
	}

	opts := []verify.VerifierOption{
		verify.WithTransparencyLog(1),
		verify.WithIntegratedTimestamps(1),
	}
	if privateInstance {
		// trusted_root.json states from when each log may be trusted. A root
		// assembled from env vars has no such timestamps, so consult Rekor
		// directly.
		opts = append(opts, verify.WithOnlineVerification())
	}

	sev, err := verify.NewSignedEntityVerifier(trustedRoot, opts...)
	if err != nil {
		return err
	}

	apiBundle, err := bundle.NewBundle(pbBundle)
	if err != nil {
		return fmt.Errorf("invalid Sigstore bundle: %w", err)
	}

	expectedIdentity, err := verify.NewShortCertificateIdentity(v.issuer, "", v.identity, "")
	if err != nil {
		return err
	}

	result, err := sev.Verify(
		apiBundle,
		verify.NewPolicy(
			verify.WithArtifact(bytes.NewBuffer(data)),
			verify.WithCertificateIdentity(expectedIdentity),
		),
	)
	if err != nil {
		return err
	}

	slog.Debug(fmt.Sprintf("Verified Sigstore signature issued by '%s' for '%s'", result.VerifiedIdentity.Issuer.Issuer, result.VerifiedIdentity.SubjectAlternativeName.SubjectAlternativeName))
	return nil
}

func (v *Verifier) getTUFRoot() (root.TrustedMaterial, bool, error) {
	fulcioRootFilePath := os.Getenv(EnvSigstoreRootFile)
	ctLogPublicKeyFilePath := os.Getenv(EnvSigstoreCTLogPublicKeyFile)
	rekorPublicKeyFilePath := os.Getenv(EnvSigstoreRekorPublicKey)

	if fulcioRootFilePath != "" || ctLogPublicKeyFilePath != "" || rekorPublicKeyFilePath != "" {
		if fulcioRootFilePath == "" || ctLogPublicKeyFilePath == "" || rekorPublicKeyFilePath == "" {
			return nil, false, fmt.Errorf("%s, %s and %s must all be set to pin a private Sigstore instance", EnvSigstoreRootFile, EnvSigstoreCTLogPublicKeyFile, EnvSigstoreRekorPublicKey)
		}

		slog.Debug("Using environment variables to establish trust for Sigstore instance...")

		certs, err := loadCertsFromPath(fulcioRootFilePath)
		if err != nil {
			return nil, false, err
		}
		fulcioCA := &root.FulcioCertificateAuthority{Root: certs[len(certs)-1]}
		if len(certs) > 1 {
			fulcioCA.Intermediates = certs[:len(certs)-1]
		}

		ctLogs, err := transparencyLogFromPath(ctLogPublicKeyFilePath, "")
		if err != nil {
			return nil, false, err
		}
		rekorLogs, err := transparencyLogFromPath(rekorPublicKeyFilePath, v.rekorURL)
		if err != nil {
			return nil, false, err
		}

		trustedRoot, err := root.NewTrustedRoot(root.TrustedRootMediaType01, []root.CertificateAuthority{fulcioCA}, ctLogs, nil, rekorLogs)
		return trustedRoot, true, err
	}

	tufClient, err := sigstoretuf.New(sigstoretuf.DefaultOptions())
	if err != nil {
		return nil, false, err
	}

	trustedRootJSON, err := tufClient.GetTarget("trusted_root.json")
	if err != nil {
		return nil, false, err
	}

	trustedRoot, err := root.NewTrustedRootFromJSON(trustedRootJSON)
	return trustedRoot, false, err
}

func loadCertsFromPath(path string) ([]*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	certs, err := cryptoutils.UnmarshalCertificatesFromPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates in file %s", path)
	}

	return certs, nil
}

func transparencyLogFromPath(path, baseURL string) (map[string]*root.TransparencyLog, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	keyHash := sha256.Sum256(block.Bytes)
	log := &root.TransparencyLog{
		BaseURL:           baseURL,
		HashFunc:          crypto.SHA256,
		ID:                keyHash[:],
		PublicKey:         key,
		SignatureHashFunc: crypto.SHA256,
	}

	return map[string]*root.TransparencyLog{hex.EncodeToString(keyHash[:]): log}, nil
}

// Signer produces keyless signatures. The OIDC token is fetched once per
// signer, from an ambient CI provider when one is available and through the
// browser flow otherwise.
type Signer struct {
	issuerURL   string
	clientID    string
	redirectURL string
	fulcioURL   string
	rekorURL    string
	ambient     bool
	token       string

	identity string
	issuer   string
}

func NewSigner(opts ...signeropts.Option) *Signer {
	options := signeropts.DefaultOptions()
	for _, fn := range opts {
		fn(options)
	}

	return &Signer{
		issuerURL:   options.IssuerURL,
		clientID:    options.ClientID,
		redirectURL: options.RedirectURL,
		fulcioURL:   options.FulcioURL,
		rekorURL:    options.RekorURL,
		ambient:     options.Ambient,
		token:       options.IdentityToken,
	}
}

// Sign produces a keyless signature over data. The returned material is the
// Sigstore bundle that verification needs alongside the raw signature bytes.
func (s *Signer) Sign(ctx context.Context, data []byte) ([]byte, map[string]any, error) {
	content := &sign.PlainData{Data: data}

	keypair, err := sign.NewEphemeralKeypair(nil)
	if err != nil {
		return nil, nil, err
	}

	token, err := s.getIDToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := sign.BundleOptions{
		CertificateProvider:        s.getFulcioInstance(),
		CertificateProviderOptions: &sign.CertificateProviderOptions{IDToken: token},
	}
	opts.TransparencyLogs = append(opts.TransparencyLogs, s.getRekorInstance())

	pbBundle, err := sign.Bundle(content, keypair, opts)
	if err != nil {
		return nil, nil, err
	}

	sigBytes := pbBundle.GetMessageSignature().GetSignature()

	bundleJSON, err := protojson.Marshal(pbBundle)
	if err != nil {
		return nil, nil, err
	}
	var bundleFields map[string]any
	if err := json.Unmarshal(bundleJSON, &bundleFields); err != nil {
		return nil, nil, err
	}

	return sigBytes, map[string]any{FieldBundle: bundleFields}, nil
}

// SignMessage implements signature.Signer. Callers that record signatures in
// metadata use Sign instead, as the bundle is required for verification.
func (s *Signer) SignMessage(message io.Reader, _ ...signature.SignOption) ([]byte, error) {
	data, err := io.ReadAll(message)
	if err != nil {
		return nil, err
	}
	sig, _, err := s.Sign(context.Background(), data)
	return sig, err
}

// PublicKey implements signature.Signer. The signing key is ephemeral, so
// there is no public key to return.
func (s *Signer) PublicKey(_ ...signature.PublicKeyOption) (crypto.PublicKey, error) {
	return nil, nil
}

// Identity resolves the signer's identity and issuer, acquiring and parsing
// an OIDC token if one has not been fetched yet.
func (s *Signer) Identity(ctx context.Context) (string, string, error) {
	if _, err := s.getIDToken(ctx); err != nil {
		return "", "", err
	}
	return s.identity, s.issuer, nil
}

// MetadataKey returns the public half of this signer for use in repository
// metadata.
func (s *Signer) MetadataKey(ctx context.Context) (*metadata.Key, error) {
	identity, issuer, err := s.Identity(ctx)
	if err != nil {
		return nil, err
	}
	return NewKey(identity, issuer), nil
}

func (s *Signer) getIDToken(ctx context.Context) (string, error) {
	if s.token == "" {
		if s.ambient && providers.Enabled(ctx) {
			slog.Debug("Acquiring OIDC token from ambient credentials...")
			token, err := providers.Provide(ctx, s.clientID)
			if err != nil {
				return "", fmt.Errorf("acquiring ambient OIDC token: %w", err)
			}
			s.token = token
		} else {
			token, err := oauthflow.OIDConnect(s.issuerURL, s.clientID, "", s.redirectURL, oauthflow.DefaultIDTokenGetter)
			if err != nil {
				return "", err
			}
			s.token = token.RawString
		}
	}

	if s.identity == "" {
		identity, issuer, err := parseTokenForIdentityAndIssuer(s.token, s.fulcioURL)
		if err != nil {
			return "", err
		}
		s.identity = identity
		s.issuer = issuer
	}

	return s.token, nil
}

func (s *Signer) getFulcioInstance() *sign.Fulcio {
	fulcioOpts := &sign.FulcioOptions{
		BaseURL: s.fulcioURL,
		Timeout: time.Minute,
		Retries: 1,
	}
	return sign.NewFulcio(fulcioOpts)
}

func (s *Signer) getRekorInstance() *sign.Rekor {
	rekorOpts := &sign.RekorOptions{
		BaseURL: s.rekorURL,
		Timeout: 90 * time.Second,
		Retries: 1,
	}
	return sign.NewRekor(rekorOpts)
}
