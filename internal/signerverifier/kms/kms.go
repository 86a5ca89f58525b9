// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package kms signs with keys held in a cloud KMS through the Sigstore KMS
// abstraction.
package kms

import (
	"context"
	"crypto"
	"strings"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/sigstore/sigstore/pkg/signature/kms"

	// KMS providers register themselves on import.
	_ "github.com/sigstore/sigstore/pkg/signature/kms/azure"
	_ "github.com/sigstore/sigstore/pkg/signature/kms/gcp"
)

// NormalizeURI maps key URIs of the "<scheme>:<path>" form onto the
// "<scheme>://<path>" form the provider implementations expect.
func NormalizeURI(uri string) string {
	scheme, rest, found := strings.Cut(uri, ":")
	if !found || strings.HasPrefix(rest, "//") {
		return uri
	}
	return scheme + "://" + rest
}

// NewSigner opens a signer for a provider key URI such as
// "gcpkms://projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"
// or "azurekms://vault.vault.azure.net/key".
func NewSigner(ctx context.Context, uri string, hash crypto.Hash) (signature.SignerVerifier, error) {
	return kms.Get(ctx, NormalizeURI(uri), hash)
}
