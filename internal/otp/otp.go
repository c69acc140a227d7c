// Package otp implements the code generation and keyed commitment scheme
// used for phone number verification. The issuing service never stores the
// plaintext code; it hands the caller an HMAC commitment over the code and
// the phone number, and verification recomputes that commitment from the
// user's input.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// CodeLen is the number of digits in a generated code.
const CodeLen = 6

// codeRange covers [100000, 999999] so a generated code can never
// carry a leading zero.
var (
	codeMin   = int64(100000)
	codeRange = big.NewInt(900000)
)

// ErrNoSecret is returned when a Signer is created without a secret key.
var ErrNoSecret = errors.New("otp: empty secret key")

// GenerateCode returns a cryptographically random 6-digit decimal code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeRange)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", codeMin+n.Int64()), nil
}

// Signer computes and verifies keyed commitments over (code, number) pairs.
// The commitment is a bearer credential: anyone holding it and the secret's
// output space can test candidate codes, so callers must treat it as
// sensitive.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for the given secret key. There is
// deliberately no fallback secret; an unset key is a hard error.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Commit returns the hex-encoded HMAC-SHA256 digest of "code:number"
// under the signer's secret. The digest is a deterministic function of
// exactly these three inputs.
func (s *Signer) Commit(code, number string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(code + ":" + number))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether digest is the commitment for (code, number).
// The comparison is constant time.
func (s *Signer) Verify(code, number, digest string) bool {
	return hmac.Equal([]byte(s.Commit(code, number)), []byte(digest))
}
