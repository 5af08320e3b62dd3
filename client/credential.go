package client

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialKind distinguishes how a credential is presented to Azure DevOps.
type CredentialKind string

const (
	// CredentialPAT is a personal access token sent as HTTP Basic with an empty user.
	CredentialPAT CredentialKind = "pat"
	// CredentialBearer is an Entra ID access token (JWT) sent as a Bearer token.
	CredentialBearer CredentialKind = "bearer"
)

// Credential is a static credential attached to every request.
type Credential struct {
	Kind      CredentialKind
	ExpiresAt time.Time // zero for PATs and JWTs without exp
	header    string
}

// ParseCredential classifies a token. Tokens that parse as a JWT are bearer tokens;
// everything else is treated as a PAT. The JWT signature is not verified: Azure DevOps does that.
func ParseCredential(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, &ValidationError{Field: "token", Message: "cannot be empty"}
	}

	if strings.Count(token, ".") == 2 {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
			cred := Credential{Kind: CredentialBearer, header: "Bearer " + token}
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				cred.ExpiresAt = exp.Time
			}
			return cred, nil
		}
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(":" + token))
	return Credential{Kind: CredentialPAT, header: "Basic " + encoded}, nil
}

// Expired reports whether a bearer credential is expired, or about to expire, at now.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(credentialExpiryBuffer).Before(c.ExpiresAt)
}

// AuthorizationHeader returns the Authorization header value.
func (c Credential) AuthorizationHeader() string {
	return c.header
}
