// Package nixdb reads the local Nix database
// (/nix/var/nix/db/db.sqlite): the ValidPaths table and the reference
// graph. Access is read-only; registering paths remains the business of
// the real daemon that owns the database.
package nixdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/nixhash"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

// DefaultPath is where Nix keeps its database on a standard
// installation.
const DefaultPath = "/nix/var/nix/db/db.sqlite"

// DB wraps a read-only connection to the Nix database.
type DB struct {
	db  *sql.DB
	dir storepath.StoreDir
}

// Open opens the database read-only. The immutable flag keeps sqlite
// from attempting journal recovery on a database owned by a running
// daemon.
func Open(path string, dir storepath.StoreDir) (*DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("opening nix database %s: %w", path, err)
	}

	return &DB{db: db, dir: dir}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// StoreDir returns the store directory the database describes.
func (d *DB) StoreDir() storepath.StoreDir {
	return d.dir
}

// PathInfo returns the metadata of a valid path, or nil when the path
// is not registered.
func (d *DB) PathInfo(ctx context.Context, path string) (*daemon.PathInfo, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, hash, registrationTime, coalesce(deriver, ''),
		       coalesce(narSize, 0), coalesce(ultimate, 0),
		       coalesce(sigs, ''), coalesce(ca, '')
		FROM ValidPaths WHERE path = ?`, path)

	var (
		id               int64
		hash             string
		registrationTime int64
		deriver          string
		narSize          int64
		ultimate         int64
		sigs             string
		ca               string
	)

	err := row.Scan(&id, &hash, &registrationTime, &deriver, &narSize, &ultimate, &sigs, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", path, err)
	}

	references, err := d.referencesByID(ctx, id)
	if err != nil {
		return nil, err
	}

	info := &daemon.PathInfo{
		StorePath:        path,
		Deriver:          deriver,
		NarHash:          normalizeNarHash(hash),
		References:       references,
		RegistrationTime: uint64(registrationTime),
		NarSize:          uint64(narSize),
		Ultimate:         ultimate != 0,
	}

	if sigs != "" {
		info.Sigs = strings.Fields(sigs)
	}

	info.CA = ca

	return info, nil
}

// normalizeNarHash renders the stored hash (historically base32, now
// base16, always with an algorithm prefix) in the bare base16 form the
// daemon protocol uses.
func normalizeNarHash(s string) string {
	h, err := nixhash.Parse(s)
	if err != nil {
		return s
	}

	return h.Base16()
}

func (d *DB) referencesByID(ctx context.Context, id int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT p.path FROM Refs r JOIN ValidPaths p ON p.id = r.reference
		WHERE r.referrer = ? ORDER BY p.path`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPaths(rows)
}

// References lists the paths the given path depends on.
func (d *DB) References(ctx context.Context, path string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT p.path FROM Refs r
		JOIN ValidPaths p ON p.id = r.reference
		JOIN ValidPaths q ON q.id = r.referrer
		WHERE q.path = ? ORDER BY p.path`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPaths(rows)
}

// Referrers lists the paths that depend on the given path.
func (d *DB) Referrers(ctx context.Context, path string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT q.path FROM Refs r
		JOIN ValidPaths p ON p.id = r.reference
		JOIN ValidPaths q ON q.id = r.referrer
		WHERE p.path = ? ORDER BY q.path`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPaths(rows)
}

// Derivers lists the derivations recorded as producing the given path.
func (d *DB) Derivers(ctx context.Context, path string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT deriver FROM ValidPaths
		WHERE path = ? AND deriver IS NOT NULL AND deriver != ''`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPaths(rows)
}

// AllValidPaths lists every registered path.
func (d *DB) AllValidPaths(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT path FROM ValidPaths ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPaths(rows)
}

// PathFromHashPart resolves a path by the hash part of its base name,
// returning "" when unknown.
func (d *DB) PathFromHashPart(ctx context.Context, hashPart string) (string, error) {
	prefix := d.dir.String() + "/" + hashPart

	// Hash parts are nixbase32, so the prefix needs no LIKE escaping.
	row := d.db.QueryRowContext(ctx, `
		SELECT path FROM ValidPaths WHERE path LIKE ?
		ORDER BY path LIMIT 1`, prefix+"%")

	var path string

	err := row.Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	return path, nil
}

func collectPaths(rows *sql.Rows) ([]string, error) {
	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}

		paths = append(paths, p)
	}

	return paths, rows.Err()
}
