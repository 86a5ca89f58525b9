// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package sigstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	fulciogrpc "github.com/sigstore/fulcio/pkg/generated/protobuf"
)

const fulcioConfigurationEndpoint = "/api/v2/configuration"

// parseTokenForIdentityAndIssuer extracts the identity and issuer Fulcio
// will record in the certificate from an OIDC token. The Fulcio instance is
// consulted because some issuer types append a subject domain to the
// identity.
func parseTokenForIdentityAndIssuer(token, fulcioURL string) (string, string, error) {
	tokenParts := strings.Split(token, ".")
	if len(tokenParts) < 3 {
		return "", "", errors.New("invalid OIDC token")
	}

	tokenBytes, err := base64.RawURLEncoding.DecodeString(tokenParts[1])
	if err != nil {
		return "", "", err
	}

	tok := &idToken{}
	if err := json.Unmarshal(tokenBytes, tok); err != nil {
		return "", "", err
	}

	issuer := issuerFromToken(tok)
	identity := subjectFromToken(tok)

	if fulcioURL != "" {
		identity, err = applySubjectDomain(identity, issuer, fulcioURL)
		if err != nil {
			return "", "", err
		}
	}

	return identity, issuer, nil
}

// applySubjectDomain queries the Fulcio instance's IDP configuration and,
// for issuer types that require it, appends the subject domain to the
// identity the way Fulcio does when issuing the certificate.
func applySubjectDomain(identity, issuer, fulcioURL string) (string, error) {
	slog.Debug(fmt.Sprintf("Querying '%s' for IDP configurations to see if a subject domain applies...", fulcioURL))

	fulcio, err := url.Parse(fulcioURL)
	if err != nil {
		return "", fmt.Errorf("unable to query Fulcio instance '%s': %w", fulcioURL, err)
	}
	fulcio.Path = fulcioConfigurationEndpoint

	response, err := http.Get(fulcio.String()) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("unable to query Fulcio instance '%s': %w", fulcioURL, err)
	}
	defer response.Body.Close() //nolint:errcheck

	responseData, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("unable to query Fulcio instance '%s': %w", fulcioURL, err)
	}

	responseObj := struct {
		Issuers []*fulciogrpc.OIDCIssuer `json:"issuers"`
	}{}
	if err := json.Unmarshal(responseData, &responseObj); err != nil {
		return "", fmt.Errorf("unable to query Fulcio instance '%s': %w", fulcioURL, err)
	}

	for _, issuerConfig := range responseObj.Issuers {
		if issuerConfig.GetIssuerUrl() != issuer {
			continue
		}

		issuerType := issuerConfig.GetIssuerType()
		if issuerType != "username" && issuerType != "uri" {
			break
		}

		subjectDomain := issuerConfig.GetSubjectDomain()
		if subjectDomain == "" {
			slog.Debug("Fulcio instance lists issuer type but no subject domain, leaving identity as is")
			break
		}

		// Per the Fulcio spec, the subject domain is appended after a '!'.
		slog.Debug(fmt.Sprintf("Adding subject domain '%s' to identity '%s'...", subjectDomain, identity))
		return fmt.Sprintf("%s!%s", identity, subjectDomain), nil
	}

	return identity, nil
}

type idToken struct {
	Issuer          string           `json:"iss"`
	Subject         string           `json:"sub"`
	Email           string           `json:"email"`
	EmailVerified   stringAsBool     `json:"email_verified"`
	FederatedClaims *federatedClaims `json:"federated_claims"`
}

type stringAsBool bool

func (sb *stringAsBool) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true", `"true"`, "True", `"True"`:
		*sb = true
	case "false", `"false"`, "False", `"False"`:
		*sb = false
	default:
		return errors.New("invalid value for boolean")
	}
	return nil
}

type federatedClaims struct {
	ConnectorID string `json:"connector_id"`
}

func issuerFromToken(tok *idToken) string {
	if tok.FederatedClaims != nil && tok.FederatedClaims.ConnectorID != "" {
		return tok.FederatedClaims.ConnectorID
	}
	return tok.Issuer
}

func subjectFromToken(tok *idToken) string {
	if tok.Email != "" && tok.EmailVerified {
		return tok.Email
	}
	return tok.Subject
}
