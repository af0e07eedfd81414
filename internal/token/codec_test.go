package token

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/internal/domain"
)

func newTestCodec(t *testing.T, key string) *Codec {
	t.Helper()
	c, err := New(key)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t, "testkey")

	for _, text := range []string{
		"Hello, World!",
		`{"url":"https://cdn/ex.mp4","author":"abc"}`,
		"",
		"unicode: héllo wörld ✓",
	} {
		got, err := c.Decode(c.Encode(text, 0))
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestRoundTripWithTTL(t *testing.T) {
	c := newTestCodec(t, "k1")

	got, err := c.Decode(c.Encode("payload", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestExpiredToken(t *testing.T) {
	c := newTestCodec(t, "k1")
	tok := c.Encode("payload", time.Minute)

	// Move the codec clock past the absolute expiry instant.
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err := c.Decode(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestWrongKeyDoesNotRoundTrip(t *testing.T) {
	enc := newTestCodec(t, "correct-key")
	dec := newTestCodec(t, "another-key")

	payload, err := json.Marshal(domain.TokenPayload{
		URL:    "https://cdn/ex.mp4",
		Author: "abc",
		Type:   domain.MediaTypeVideo,
	})
	require.NoError(t, err)

	tok := enc.Encode(string(payload), 0)
	got, err := dec.Decode(tok)
	if err == nil {
		// Garbage output must not parse back into a usable payload.
		var p domain.TokenPayload
		jerr := json.Unmarshal([]byte(got), &p)
		assert.True(t, jerr != nil || p.URL == "" || p.Author == "",
			"decoding with the wrong key must not yield the original payload")
	}
}

func TestMalformedBase64(t *testing.T) {
	c := newTestCodec(t, "k1")

	_, err := c.Decode("not base64 at all!!")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExpired)
}

func TestPaddingTolerance(t *testing.T) {
	c := newTestCodec(t, "k1")

	tok := c.Encode("some payload", 0)
	stripped := strings.TrimRight(tok, "=")

	got, err := c.Decode(stripped)
	require.NoError(t, err)
	assert.Equal(t, "some payload", got)
}

func TestNonNumericPrefixIsNotExpiry(t *testing.T) {
	c := newTestCodec(t, "k1")

	got, err := c.Decode(c.Encode("abc|def", 0))
	require.NoError(t, err)
	assert.Equal(t, "abc|def", got)
}

func TestNumericPrefixAmbiguity(t *testing.T) {
	// A payload beginning with "<digits>|" is indistinguishable from an
	// expiry prefix. The codec keeps the original heuristic: a parseable
	// prefix is consumed as an expiry instant.
	c := newTestCodec(t, "k1")

	tok := c.Encode("9999999999|payload", 0)
	got, err := c.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, "payload", got, "numeric prefix is consumed as an expiry")

	tok = c.Encode("123|payload", 0)
	_, err = c.Decode(tok)
	assert.ErrorIs(t, err, ErrExpired, "a past numeric prefix reads as an expired token")
}
