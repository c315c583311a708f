package nixdb_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/nixdb"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

const (
	pathA = "/nix/store/00000000000000000000000000000000-pkg-a-1.0"
	pathB = "/nix/store/11111111111111111111111111111111-pkg-b-2.0"
	drvA  = "/nix/store/22222222222222222222222222222222-pkg-a-1.0.drv"

	// sha256 of "x", prefixed the way Nix registers it.
	hashA = "sha256:2d711642b726b04401627ca9fbac32f5c8530fb1903cc4db02258717921a4881"
)

// newTestDB creates a database with the schema Nix uses.
func newTestDB(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE ValidPaths (
			id integer PRIMARY KEY AUTOINCREMENT NOT NULL,
			path text UNIQUE NOT NULL,
			hash text NOT NULL,
			registrationTime integer NOT NULL,
			deriver text,
			narSize integer,
			ultimate integer,
			sigs text,
			ca text
		);
		CREATE TABLE Refs (
			referrer integer NOT NULL,
			reference integer NOT NULL,
			PRIMARY KEY (referrer, reference)
		);`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO ValidPaths (id, path, hash, registrationTime, deriver, narSize, ultimate, sigs)
		VALUES
			(1, ?, ?, 1700000000, ?, 1234, 1, 'cache.example.org-1:c2ln another:c2ln'),
			(2, ?, ?, 1700000100, NULL, 5678, 0, NULL)`,
		pathA, hashA, drvA, pathB, hashA)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO Refs (referrer, reference) VALUES (1, 2), (1, 1)`)
	require.NoError(t, err)

	return dbPath
}

func openTestDB(t *testing.T) *nixdb.DB {
	t.Helper()

	db, err := nixdb.Open(newTestDB(t), storepath.DefaultStoreDir)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func TestPathInfo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	info, err := db.PathInfo(ctx, pathA)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, pathA, info.StorePath)
	assert.Equal(t, drvA, info.Deriver)
	// The algorithm prefix is stripped to the bare base16 wire form.
	assert.Equal(t, "2d711642b726b04401627ca9fbac32f5c8530fb1903cc4db02258717921a4881", info.NarHash)
	assert.Equal(t, uint64(1234), info.NarSize)
	assert.True(t, info.Ultimate)
	assert.Equal(t, []string{"cache.example.org-1:c2ln", "another:c2ln"}, info.Sigs)
	assert.Equal(t, []string{pathA, pathB}, info.References)
}

func TestPathInfoAbsent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	info, err := db.PathInfo(ctx, "/nix/store/99999999999999999999999999999999-nope")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestReferencesAndReferrers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	refs, err := db.References(ctx, pathA)
	require.NoError(t, err)
	assert.Equal(t, []string{pathA, pathB}, refs)

	referrers, err := db.Referrers(ctx, pathB)
	require.NoError(t, err)
	assert.Equal(t, []string{pathA}, referrers)
}

func TestAllValidPaths(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	paths, err := db.AllValidPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{pathA, pathB}, paths)
}

func TestPathFromHashPart(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	path, err := db.PathFromHashPart(ctx, "11111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, pathB, path)

	path, err = db.PathFromHashPart(ctx, "ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := nixdb.NewStore(db)

	valid, err := store.IsValidPath(ctx, nil, pathA)
	require.NoError(t, err)
	assert.True(t, valid)

	missing, err := store.QueryMissing(ctx, nil, []string{pathA, "/nix/store/99999999999999999999999999999999-nope"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/nix/store/99999999999999999999999999999999-nope"}, missing.Unknown)

	subset, err := store.QueryValidPaths(ctx, nil, []string{pathA, pathB}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{pathA, pathB}, subset)
}
