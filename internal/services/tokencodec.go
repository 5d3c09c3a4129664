package services

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"strings"
)

const (
	// TokenBodyLength is the number of random characters before the check character.
	TokenBodyLength = 8
	// TokenLength is the full token length including the check character.
	TokenLength = TokenBodyLength + 1

	// tokenAlphabet drops I and O, which are easily read as 1 and 0. It is
	// both the body alphabet and the modulus domain of the check character.
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"
)

// TokenCodec produces and checks enrollment tokens: TokenBodyLength random
// characters followed by a Luhn mod 24 check character.
type TokenCodec struct {
	rand io.Reader
}

func NewTokenCodec() *TokenCodec {
	return &TokenCodec{rand: rand.Reader}
}

// Generate returns n distinct tokens. Distinctness against already-issued
// tokens is the caller's job.
func (c *TokenCodec) Generate(n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.New("token count must be positive")
	}
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for len(out) < n {
		tok, err := c.GenerateOne()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out, nil
}

func (c *TokenCodec) GenerateOne() (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	var b strings.Builder
	b.Grow(TokenLength)
	for i := 0; i < TokenBodyLength; i++ {
		idx, err := rand.Int(c.rand, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenAlphabet[idx.Int64()])
	}
	body := b.String()
	check, ok := checkCharacter(body)
	if !ok {
		return "", errors.New("generated token body outside alphabet")
	}
	return body + string(check), nil
}

// NormalizeToken trims and upper-cases a token received at the boundary.
func NormalizeToken(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidateChecksum recomputes the check character. It never touches storage.
func ValidateChecksum(token string) bool {
	token = NormalizeToken(token)
	if len(token) != TokenLength {
		return false
	}
	body := token[:TokenBodyLength]
	want, ok := checkCharacter(body)
	if !ok {
		return false
	}
	return token[TokenBodyLength] == want
}

func checkCharacter(body string) (byte, bool) {
	n := len(tokenAlphabet)
	factor := 2
	sum := 0
	for i := len(body) - 1; i >= 0; i-- {
		cp := strings.IndexByte(tokenAlphabet, body[i])
		if cp < 0 {
			return 0, false
		}
		addend := factor * cp
		addend = addend/n + addend%n
		sum += addend
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}
	}
	return tokenAlphabet[(n-sum%n)%n], true
}
