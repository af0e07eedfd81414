// Package token implements the capability token codec.
//
// A token is the payload text, optionally prefixed with an absolute expiry
// instant as "<epochSeconds>|", XOR-ed against the repeating key bytes and
// wrapped in URL-safe base64. XOR is self-inverse, so the same transform
// runs in both directions.
//
// This is obfuscation, not cryptography: the codec keeps delivery URLs
// opaque and expirable but must never be the only barrier in front of
// sensitive upstream credentials.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrExpired is returned when a token's embedded expiry instant has passed.
// All other decode failures collapse into a generic wrapped error.
var ErrExpired = errors.New("token has expired")

// Codec encodes and decodes capability tokens with a fixed key.
type Codec struct {
	key []byte
	now func() time.Time
}

// New returns a codec for the given key. The key must be non-empty.
func New(key string) (*Codec, error) {
	if key == "" {
		return nil, errors.New("token key must not be empty")
	}
	return &Codec{key: []byte(key), now: time.Now}, nil
}

// Encode obfuscates text, embedding an expiry instant when ttl > 0.
func (c *Codec) Encode(text string, ttl time.Duration) string {
	if ttl > 0 {
		expiry := c.now().Add(ttl).Unix()
		text = strconv.FormatInt(expiry, 10) + "|" + text
	}
	return base64.URLEncoding.EncodeToString(c.xor([]byte(text)))
}

// Decode reverses Encode. It fails with ErrExpired when the embedded expiry
// has passed, and with a generic error for malformed input. A leading
// "<digits>|" that parses as an integer is always treated as an expiry
// prefix; if the prefix is not numeric the whole plaintext is returned
// unchanged. A payload that legitimately begins with a numeric prefix is
// therefore ambiguous; this mirrors the wire format deployed clients rely
// on and is pinned by tests rather than "fixed".
func (c *Codec) Decode(encoded string) (string, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}

	plain := c.xor(raw)
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("decrypt token: result is not valid text")
	}
	text := string(plain)

	if prefix, rest, ok := strings.Cut(text, "|"); ok {
		if expiry, perr := strconv.ParseInt(prefix, 10, 64); perr == nil {
			if c.now().Unix() > expiry {
				return "", ErrExpired
			}
			return rest, nil
		}
	}
	return text, nil
}

func (c *Codec) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}

// decodeBase64 accepts URL-safe base64 with or without padding.
func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.URLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
