// Package signing implements the HMAC helper behind signed artifact read
// URLs. A capability covers an artifact name plus an explicit validity
// window; the not-before edge is backdated so clock skew between issuer and
// consumer cannot invalidate a freshly issued URL.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based read capabilities.
type Signer struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
}

// Capability describes one issued read grant.
type Capability struct {
	ArtifactName string
	NotBefore    time.Time
	ExpiresAt    time.Time
	Signature    string
}

// NewSigner creates a Signer. ttl bounds how long issued URLs stay valid;
// skew is subtracted from the issuance time to form the validity start.
func NewSigner(secret []byte, ttl, skew time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, skew: skew}
}

// Issue returns a capability for the artifact valid from now-skew until
// now+ttl.
func (s *Signer) Issue(artifactName string, now time.Time) Capability {
	nbf := now.Add(-s.skew).Unix()
	exp := now.Add(s.ttl).Unix()
	return Capability{
		ArtifactName: artifactName,
		NotBefore:    time.Unix(nbf, 0).UTC(),
		ExpiresAt:    time.Unix(exp, 0).UTC(),
		Signature:    s.sign(artifactName, nbf, exp),
	}
}

// TTL reports the configured validity duration.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

func (s *Signer) sign(artifactName string, nbfUnix, expUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d:%d", artifactName, nbfUnix, expUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature and the validity window against now.
func (s *Signer) Validate(artifactName, nbf, exp, signature string, now time.Time) bool {
	nbfUnix, err := strconv.ParseInt(nbf, 10, 64)
	if err != nil {
		return false
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return false
	}
	if now.Before(time.Unix(nbfUnix, 0)) || now.After(time.Unix(expUnix, 0)) {
		return false
	}
	expected := s.sign(artifactName, nbfUnix, expUnix)
	return hmac.Equal([]byte(expected), []byte(signature))
}
