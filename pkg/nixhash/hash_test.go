package nixhash_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/nixhash"
)

// sha256("abc"), a fixture with well-known renderings.
const (
	abcBase16 = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	abcBase64 = "ungWv48Bz+pBQUDe5d6iI7ADYaOWF3qctBD/YfIAFa0="
)

func TestHashReader(t *testing.T) {
	h, err := nixhash.NewHashFromReader(nixhash.SHA256, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, abcBase16, h.Base16())
	assert.Equal(t, abcBase64, h.Base64())
	assert.Equal(t, "sha256-"+abcBase64, h.SRI())
	assert.True(t, h.Valid())
}

func TestParsePrefixedForms(t *testing.T) {
	want, err := nixhash.NewHashFromReader(nixhash.SHA256, strings.NewReader("abc"))
	require.NoError(t, err)

	for _, s := range []string{
		"sha256:" + abcBase16,
		"sha256:" + want.Base32(),
		"sha256:" + abcBase64,
		"sha256-" + abcBase64,
	} {
		h, err := nixhash.Parse(s)
		require.NoError(t, err, "input %q", s)
		assert.True(t, want.Equal(h), "input %q", s)
	}
}

func TestParseAnyBareDigest(t *testing.T) {
	algo := nixhash.SHA256

	h, err := nixhash.ParseAny(abcBase16, &algo)
	require.NoError(t, err)
	assert.Equal(t, abcBase16, h.Base16())

	// Bare base64 digests contain '+' and '=' but never a dash, so the
	// SRI detection must not fire.
	h, err = nixhash.ParseAny(abcBase64, &algo)
	require.NoError(t, err)
	assert.Equal(t, abcBase16, h.Base16())

	_, err = nixhash.ParseAny(abcBase16, nil)
	assert.ErrorContains(t, err, "no algorithm prefix")
}

func TestParseAnyAlgorithmMismatch(t *testing.T) {
	algo := nixhash.SHA1

	_, err := nixhash.ParseAny("sha256:"+abcBase16, &algo)
	assert.ErrorContains(t, err, "expected sha1")
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"sha256",
		"sha999:" + abcBase16,
		"sha256:tooshort",
		"sha256:" + abcBase16[:63] + "!",
	}

	for _, c := range cases {
		_, err := nixhash.Parse(c)
		assert.Error(t, err, "input %q", c)
	}
}

func TestAlgorithms(t *testing.T) {
	for algo, size := range map[nixhash.Algorithm]int{
		nixhash.MD5:    16,
		nixhash.SHA1:   20,
		nixhash.SHA256: 32,
		nixhash.SHA512: 64,
	} {
		assert.Equal(t, size, algo.Size())

		parsed, err := nixhash.ParseAlgorithm(algo.String())
		require.NoError(t, err)
		assert.Equal(t, algo, parsed)

		hasher, err := algo.NewHasher()
		require.NoError(t, err)
		assert.Equal(t, size, hasher.Size())
	}
}

func TestBase32RoundTrip(t *testing.T) {
	h, err := nixhash.NewHashFromReader(nixhash.SHA256, strings.NewReader("abc"))
	require.NoError(t, err)

	parsed, err := nixhash.Parse(h.String())
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}
