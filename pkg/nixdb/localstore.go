package nixdb

import (
	"context"
	"io"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/nar"
)

// Store adapts a DB into a read-only daemon.Store: metadata comes from
// the database, archives are dumped straight from the store directory
// on disk. Mutating operations report ErrUnimplemented; registering
// paths is the owning daemon's business.
type Store struct {
	daemon.UnimplementedStore

	db *DB
}

// NewStore wraps the database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) IsValidPath(ctx context.Context, _ daemon.Logger, path string) (bool, error) {
	info, err := s.db.PathInfo(ctx, path)

	return info != nil, err
}

func (s *Store) QueryPathInfo(ctx context.Context, _ daemon.Logger, path string) (*daemon.PathInfo, error) {
	return s.db.PathInfo(ctx, path)
}

func (s *Store) QueryPathFromHashPart(ctx context.Context, _ daemon.Logger, hashPart string) (string, error) {
	return s.db.PathFromHashPart(ctx, hashPart)
}

func (s *Store) QueryAllValidPaths(ctx context.Context, _ daemon.Logger) ([]string, error) {
	return s.db.AllValidPaths(ctx)
}

func (s *Store) QueryValidPaths(ctx context.Context, _ daemon.Logger, paths []string, _ bool) ([]string, error) {
	valid := make([]string, 0, len(paths))

	for _, p := range paths {
		info, err := s.db.PathInfo(ctx, p)
		if err != nil {
			return nil, err
		}

		if info != nil {
			valid = append(valid, p)
		}
	}

	return valid, nil
}

func (s *Store) QuerySubstitutablePaths(context.Context, daemon.Logger, []string) ([]string, error) {
	return nil, nil
}

func (s *Store) QueryReferrers(ctx context.Context, _ daemon.Logger, path string) ([]string, error) {
	return s.db.Referrers(ctx, path)
}

func (s *Store) QueryValidDerivers(ctx context.Context, _ daemon.Logger, path string) ([]string, error) {
	return s.db.Derivers(ctx, path)
}

func (s *Store) QueryMissing(ctx context.Context, _ daemon.Logger, paths []string) (*daemon.MissingInfo, error) {
	info := &daemon.MissingInfo{}

	for _, p := range paths {
		existing, err := s.db.PathInfo(ctx, p)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			info.Unknown = append(info.Unknown, p)
		}
	}

	return info, nil
}

func (s *Store) NarFromPath(ctx context.Context, _ daemon.Logger, path string, w io.Writer) error {
	return nar.DumpPathContext(ctx, w, path)
}

func (s *Store) SetOptions(context.Context, daemon.Logger, *daemon.ClientSettings) error {
	return nil
}
