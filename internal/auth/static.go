// ABOUTME: Static shared-token verification against bcrypt hashes from config
// ABOUTME: Suits single-tenant deployments that don't want a token issuer

package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// StaticVerifier implements TokenVerifier against a fixed list of
// bcrypt-hashed tokens. The principal is "static:<index>" of the matching
// hash, so log lines can distinguish which shared token was presented.
type StaticVerifier struct {
	hashes [][]byte
}

// NewStaticVerifier creates a verifier from bcrypt hash strings.
func NewStaticVerifier(hashes []string) *StaticVerifier {
	hs := make([][]byte, len(hashes))
	for i, h := range hashes {
		hs[i] = []byte(h)
	}
	return &StaticVerifier{hashes: hs}
}

// Verify compares the presented token against every configured hash.
// bcrypt comparison is deliberately slow; keep the token list short.
func (v *StaticVerifier) Verify(token string) (string, error) {
	for i, hash := range v.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return fmt.Sprintf("static:%d", i), nil
		}
	}
	return "", ErrInvalidToken
}

// HashToken produces a bcrypt hash suitable for the static_tokens config
// list. Used by the init command.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}

var _ TokenVerifier = (*StaticVerifier)(nil)
var _ TokenVerifier = (*JWTVerifier)(nil)
