package badgerstore_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/nar"
	"github.com/nix-community/go-nix-daemon/pkg/nixhash"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
	"github.com/nix-community/go-nix-daemon/pkg/store/badgerstore"
)

const testPath = "/nix/store/00000000000000000000000000000000-persisted-1.0"

func openStore(t *testing.T) *badgerstore.Store {
	t.Helper()

	store, err := badgerstore.Open(t.TempDir(), storepath.DefaultStoreDir)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}

func sampleNar(t *testing.T, content string) (*daemon.PathInfo, []byte) {
	t.Helper()

	var buf bytes.Buffer

	nw, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, nw.WriteHeader(&nar.Header{
		Path: "/", Type: nar.TypeRegular, Size: int64(len(content)),
	}))

	_, err = io.WriteString(nw, content)
	require.NoError(t, err)
	require.NoError(t, nw.Close())

	narHash, err := nixhash.NewHashFromReader(nixhash.SHA256, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	return &daemon.PathInfo{
		StorePath: testPath,
		NarHash:   narHash.Base16(),
		NarSize:   uint64(buf.Len()),
	}, buf.Bytes()
}

func TestImportAndServe(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	info, narBytes := sampleNar(t, "stored in badger")

	require.NoError(t, store.AddToStoreNar(ctx, daemon.DiscardLogs, info, bytes.NewReader(narBytes), false, true))

	valid, err := store.IsValidPath(ctx, daemon.DiscardLogs, testPath)
	require.NoError(t, err)
	assert.True(t, valid)

	got, err := store.QueryPathInfo(ctx, daemon.DiscardLogs, testPath)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info.NarHash, got.NarHash)

	var out bytes.Buffer
	require.NoError(t, store.NarFromPath(ctx, daemon.DiscardLogs, testPath, &out))
	assert.Equal(t, narBytes, out.Bytes())

	all, err := store.QueryAllValidPaths(ctx, daemon.DiscardLogs)
	require.NoError(t, err)
	assert.Equal(t, []string{testPath}, all)
}

func TestRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	info, narBytes := sampleNar(t, "content")
	info.NarHash = "0000000000000000000000000000000000000000000000000000000000000000"

	err := store.AddToStoreNar(ctx, daemon.DiscardLogs, info, bytes.NewReader(narBytes), false, true)
	assert.ErrorContains(t, err, "hashes to")
}

func TestHashPartLookup(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	info, narBytes := sampleNar(t, "lookup")
	require.NoError(t, store.AddToStoreNar(ctx, daemon.DiscardLogs, info, bytes.NewReader(narBytes), false, true))

	path, err := store.QueryPathFromHashPart(ctx, daemon.DiscardLogs, "00000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, testPath, path)

	path, err = store.QueryPathFromHashPart(ctx, daemon.DiscardLogs, "zzzz")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestRootsAndLogs(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	info, narBytes := sampleNar(t, "rooted")
	require.NoError(t, store.AddToStoreNar(ctx, daemon.DiscardLogs, info, bytes.NewReader(narBytes), false, true))

	root, err := store.AddPermRoot(ctx, daemon.DiscardLogs, testPath, "/home/u/result")
	require.NoError(t, err)
	assert.Equal(t, "/home/u/result", root)

	roots, err := store.FindRoots(ctx, daemon.DiscardLogs)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/home/u/result": testPath}, roots)

	drv := "/nix/store/11111111111111111111111111111111-x.drv"
	require.NoError(t, store.AddBuildLog(ctx, daemon.DiscardLogs, drv, bytes.NewReader([]byte("log text"))))

	logData, err := store.BuildLog(drv)
	require.NoError(t, err)
	assert.Equal(t, []byte("log text"), logData)
}

func TestRealisationsPersist(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	realisation := daemon.Realisation{ID: "sha256:abcd!out", OutPath: testPath}
	require.NoError(t, store.RegisterDrvOutput(ctx, daemon.DiscardLogs, realisation))
	require.NoError(t, store.RegisterDrvOutput(ctx, daemon.DiscardLogs, realisation))

	docs, err := store.QueryRealisation(ctx, daemon.DiscardLogs, "sha256:abcd!out")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestSignaturesAppend(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	info, narBytes := sampleNar(t, "signed")
	require.NoError(t, store.AddToStoreNar(ctx, daemon.DiscardLogs, info, bytes.NewReader(narBytes), false, true))

	require.NoError(t, store.AddSignatures(ctx, daemon.DiscardLogs, testPath, []string{"k1:c2ln"}))

	got, err := store.QueryPathInfo(ctx, daemon.DiscardLogs, testPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:c2ln"}, got.Sigs)

	err = store.AddSignatures(ctx, daemon.DiscardLogs, "/nix/store/99999999999999999999999999999999-nope", []string{"k1:c2ln"})
	assert.ErrorContains(t, err, "not valid")
}

func TestVerifyStore(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	info, narBytes := sampleNar(t, "verify me")
	require.NoError(t, store.AddToStoreNar(ctx, daemon.DiscardLogs, info, bytes.NewReader(narBytes), false, true))

	errorsFound, err := store.VerifyStore(ctx, daemon.DiscardLogs, true, false)
	require.NoError(t, err)
	assert.False(t, errorsFound)
}
