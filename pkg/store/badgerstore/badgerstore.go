// Package badgerstore implements a daemon.Store persisted in a Badger
// key-value database: path metadata, NAR payloads, build logs,
// realisations and GC roots each live under their own key prefix. It
// serves queries and imports; it performs no builds.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/nar"
	"github.com/nix-community/go-nix-daemon/pkg/nixhash"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

const (
	prefixInfo        = "info/"
	prefixNar         = "nar/"
	prefixLog         = "log/"
	prefixRealisation = "realisation/"
	prefixRoot        = "root/"
)

// Store is a Badger-backed daemon.Store.
type Store struct {
	daemon.UnimplementedStore

	db  *badger.DB
	dir storepath.StoreDir
}

// Open opens (or creates) the database at dbPath for the given store
// directory.
func Open(dbPath string, dir storepath.StoreDir) (*Store, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", dbPath, err)
	}

	return &Store{db: db, dir: dir}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreDir returns the store directory.
func (s *Store) StoreDir() storepath.StoreDir {
	return s.dir
}

// get returns the value at key, or nil when absent.
func (s *Store) get(key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)

		return err
	})

	return value, err
}

func (s *Store) getInfo(path string) (*daemon.PathInfo, error) {
	raw, err := s.get(prefixInfo + path)
	if err != nil || raw == nil {
		return nil, err
	}

	var info daemon.PathInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decoding path info for %s: %w", path, err)
	}

	return &info, nil
}

func (s *Store) putInfo(txn *badger.Txn, info *daemon.PathInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}

	return txn.Set([]byte(prefixInfo+info.StorePath), raw)
}

func (s *Store) IsValidPath(_ context.Context, _ daemon.Logger, path string) (bool, error) {
	info, err := s.getInfo(path)

	return info != nil, err
}

func (s *Store) QueryPathInfo(_ context.Context, _ daemon.Logger, path string) (*daemon.PathInfo, error) {
	return s.getInfo(path)
}

func (s *Store) QueryPathFromHashPart(_ context.Context, _ daemon.Logger, hashPart string) (string, error) {
	prefix := prefixInfo + s.dir.String() + "/" + hashPart

	var found string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()

		if it.Valid() {
			found = strings.TrimPrefix(string(it.Item().KeyCopy(nil)), prefixInfo)
		}

		return nil
	})

	return found, err
}

func (s *Store) QueryAllValidPaths(context.Context, daemon.Logger) ([]string, error) {
	var paths []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixInfo)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			paths = append(paths, strings.TrimPrefix(string(it.Item().KeyCopy(nil)), prefixInfo))
		}

		return nil
	})

	sort.Strings(paths)

	return paths, err
}

func (s *Store) QueryValidPaths(ctx context.Context, log daemon.Logger, paths []string, _ bool) ([]string, error) {
	valid := make([]string, 0, len(paths))

	for _, p := range paths {
		ok, err := s.IsValidPath(ctx, log, p)
		if err != nil {
			return nil, err
		}

		if ok {
			valid = append(valid, p)
		}
	}

	return valid, nil
}

func (s *Store) QuerySubstitutablePaths(context.Context, daemon.Logger, []string) ([]string, error) {
	return nil, nil
}

func (s *Store) QueryReferrers(ctx context.Context, log daemon.Logger, path string) ([]string, error) {
	all, err := s.QueryAllValidPaths(ctx, log)
	if err != nil {
		return nil, err
	}

	var referrers []string

	for _, candidate := range all {
		if candidate == path {
			continue
		}

		info, err := s.getInfo(candidate)
		if err != nil {
			return nil, err
		}

		for _, ref := range info.References {
			if ref == path {
				referrers = append(referrers, candidate)

				break
			}
		}
	}

	return referrers, nil
}

func (s *Store) QueryValidDerivers(ctx context.Context, log daemon.Logger, path string) ([]string, error) {
	info, err := s.getInfo(path)
	if err != nil {
		return nil, err
	}

	if info == nil || info.Deriver == "" {
		return nil, nil
	}

	return []string{info.Deriver}, nil
}

func (s *Store) QueryMissing(_ context.Context, _ daemon.Logger, paths []string) (*daemon.MissingInfo, error) {
	info := &daemon.MissingInfo{}

	for _, p := range paths {
		existing, err := s.getInfo(p)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			info.Unknown = append(info.Unknown, p)
		}
	}

	return info, nil
}

func (s *Store) NarFromPath(_ context.Context, _ daemon.Logger, path string, w io.Writer) error {
	raw, err := s.get(prefixNar + path)
	if err != nil {
		return err
	}

	if raw == nil {
		return fmt.Errorf("path %q is not valid", path)
	}

	_, err = w.Write(raw)

	return err
}

func (s *Store) AddToStoreNar(_ context.Context, log daemon.Logger, info *daemon.PathInfo, r io.Reader, repair, _ bool) error {
	if _, err := s.dir.ParsePath(info.StorePath); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := nar.Copy(&buf, r); err != nil {
		return fmt.Errorf("reading archive for %s: %w", info.StorePath, err)
	}

	if info.NarHash != "" {
		algo := nixhash.SHA256

		want, err := nixhash.ParseAny(info.NarHash, &algo)
		if err != nil {
			return fmt.Errorf("parsing NAR hash for %s: %w", info.StorePath, err)
		}

		got, err := nixhash.NewHashFromReader(nixhash.SHA256, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return err
		}

		if !want.Equal(got) {
			return fmt.Errorf("archive for %s hashes to %s, expected %s", info.StorePath, got.Base16(), want.Base16())
		}
	}

	stored := *info
	stored.NarSize = uint64(buf.Len())

	err := s.db.Update(func(txn *badger.Txn) error {
		if !repair {
			if _, err := txn.Get([]byte(prefixInfo + info.StorePath)); err == nil {
				return nil
			}
		}

		if err := s.putInfo(txn, &stored); err != nil {
			return err
		}

		return txn.Set([]byte(prefixNar+info.StorePath), buf.Bytes())
	})
	if err != nil {
		return err
	}

	_ = log.Log(daemon.LogMessage{Type: daemon.LogNext, Text: "added " + info.StorePath})

	return nil
}

func (s *Store) AddBuildLog(_ context.Context, _ daemon.Logger, drvPath string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixLog+drvPath), data)
	})
}

// BuildLog returns a stored build log, or nil.
func (s *Store) BuildLog(drvPath string) ([]byte, error) {
	return s.get(prefixLog + drvPath)
}

func (s *Store) AddSignatures(_ context.Context, _ daemon.Logger, path string, sigs []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixInfo + path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("path %q is not valid", path)
		}

		if err != nil {
			return err
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		var info daemon.PathInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}

		info.Sigs = append(info.Sigs, sigs...)

		return s.putInfo(txn, &info)
	})
}

func (s *Store) RegisterDrvOutput(_ context.Context, _ daemon.Logger, realisation daemon.Realisation) error {
	raw, err := daemon.MarshalRealisation(realisation)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixRealisation + realisation.ID)

		var docs []string

		if item, err := txn.Get(key); err == nil {
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := json.Unmarshal(existing, &docs); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		docs = append(docs, raw)

		encoded, err := json.Marshal(docs)
		if err != nil {
			return err
		}

		return txn.Set(key, encoded)
	})
}

func (s *Store) QueryRealisation(_ context.Context, _ daemon.Logger, outputID string) ([]string, error) {
	raw, err := s.get(prefixRealisation + outputID)
	if err != nil || raw == nil {
		return nil, err
	}

	var docs []string
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}

	return docs, nil
}

func (s *Store) EnsurePath(ctx context.Context, log daemon.Logger, path string) error {
	valid, err := s.IsValidPath(ctx, log, path)
	if err != nil {
		return err
	}

	if !valid {
		return fmt.Errorf("cannot produce path %q: no builder or substituter", path)
	}

	return nil
}

func (s *Store) AddTempRoot(context.Context, daemon.Logger, string) error {
	return nil
}

func (s *Store) SyncWithGC(context.Context, daemon.Logger) error {
	return nil
}

func (s *Store) AddPermRoot(ctx context.Context, log daemon.Logger, storePath, gcRoot string) (string, error) {
	valid, err := s.IsValidPath(ctx, log, storePath)
	if err != nil {
		return "", err
	}

	if !valid {
		return "", fmt.Errorf("path %q is not valid", storePath)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixRoot+gcRoot), []byte(storePath))
	})
	if err != nil {
		return "", err
	}

	return gcRoot, nil
}

func (s *Store) FindRoots(context.Context, daemon.Logger) (map[string]string, error) {
	roots := map[string]string{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRoot)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := strings.TrimPrefix(string(it.Item().KeyCopy(nil)), prefixRoot)

			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			roots[key] = string(value)
		}

		return nil
	})

	return roots, err
}

func (s *Store) VerifyStore(ctx context.Context, log daemon.Logger, checkContents, _ bool) (bool, error) {
	if !checkContents {
		return false, nil
	}

	all, err := s.QueryAllValidPaths(ctx, log)
	if err != nil {
		return true, err
	}

	errorsFound := false

	for _, path := range all {
		info, err := s.getInfo(path)
		if err != nil {
			return true, err
		}

		if info == nil || info.NarHash == "" {
			continue
		}

		algo := nixhash.SHA256

		want, err := nixhash.ParseAny(info.NarHash, &algo)
		if err != nil {
			return true, err
		}

		raw, err := s.get(prefixNar + path)
		if err != nil {
			return true, err
		}

		got, err := nixhash.NewHashFromReader(nixhash.SHA256, bytes.NewReader(raw))
		if err != nil {
			return true, err
		}

		if !want.Equal(got) {
			errorsFound = true

			_ = log.Log(daemon.LogMessage{Type: daemon.LogNext, Text: "path " + path + " is corrupted"})
		}
	}

	return errorsFound, nil
}

func (s *Store) SetOptions(context.Context, daemon.Logger, *daemon.ClientSettings) error {
	// Per-connection build settings have nothing to configure here.
	return nil
}
