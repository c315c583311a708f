package derivedpath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/derivedpath"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

const (
	drvPath = "/nix/store/00000000000000000000000000000000-hello-1.0.drv"
	outPath = "/nix/store/00000000000000000000000000000000-hello-1.0"
)

func TestParseOpaque(t *testing.T) {
	dp, err := derivedpath.Parse(storepath.DefaultStoreDir, outPath, derivedpath.SepLegacy)
	require.NoError(t, err)

	op, ok := dp.(derivedpath.Opaque)
	require.True(t, ok)
	assert.Equal(t, "hello-1.0", op.Path.Name)
	assert.Equal(t, outPath, dp.Print(storepath.DefaultStoreDir, derivedpath.SepLegacy))
}

func TestParseBuiltAll(t *testing.T) {
	dp, err := derivedpath.Parse(storepath.DefaultStoreDir, drvPath+"!*", derivedpath.SepLegacy)
	require.NoError(t, err)

	b, ok := dp.(derivedpath.Built)
	require.True(t, ok)
	assert.True(t, b.Outputs.All)
	assert.Equal(t, drvPath+"!*", dp.Print(storepath.DefaultStoreDir, derivedpath.SepLegacy))
	assert.Equal(t, drvPath+"^*", dp.Print(storepath.DefaultStoreDir, derivedpath.SepModern))
}

func TestParseBuiltNamed(t *testing.T) {
	dp, err := derivedpath.Parse(storepath.DefaultStoreDir, drvPath+"!out,dev", derivedpath.SepLegacy)
	require.NoError(t, err)

	b, ok := dp.(derivedpath.Built)
	require.True(t, ok)
	assert.False(t, b.Outputs.All)
	// Output names print sorted.
	assert.Equal(t, []string{"dev", "out"}, b.Outputs.Names)
	assert.Equal(t, drvPath+"!dev,out", dp.Print(storepath.DefaultStoreDir, derivedpath.SepLegacy))
}

func TestParseNestedSingle(t *testing.T) {
	sdp, err := derivedpath.ParseSingle(storepath.DefaultStoreDir, drvPath+"!out!lib", derivedpath.SepLegacy)
	require.NoError(t, err)

	outer, ok := sdp.(derivedpath.SingleBuilt)
	require.True(t, ok)
	assert.Equal(t, "lib", outer.Output)

	inner, ok := outer.Drv.(derivedpath.SingleBuilt)
	require.True(t, ok)
	assert.Equal(t, "out", inner.Output)

	_, ok = inner.Drv.(derivedpath.Opaque)
	assert.True(t, ok)

	assert.Equal(t, drvPath+"!out!lib", sdp.Print(storepath.DefaultStoreDir, derivedpath.SepLegacy))
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		"",
		"not-a-store-path",
		drvPath + "!",
		drvPath + "!out,",
		"/other/dir/00000000000000000000000000000000-x!out",
	} {
		_, err := derivedpath.Parse(storepath.DefaultStoreDir, s, derivedpath.SepLegacy)
		assert.Error(t, err, "input %q", s)
	}
}
