// Package memstore provides an in-memory daemon.Store. It holds path
// metadata, NAR payloads and build logs in maps, and verifies archive
// hashes on import. It backs the protocol tests and the CLI's demo
// server; it performs no builds.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/nar"
	"github.com/nix-community/go-nix-daemon/pkg/nixhash"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

// Store is an in-memory daemon.Store. The zero value is not usable;
// call New.
type Store struct {
	daemon.UnimplementedStore

	dir storepath.StoreDir

	mu           sync.RWMutex
	paths        map[string]*object         // printed path -> object
	buildLogs    map[string][]byte          // drv path -> log
	realisations map[string][]string        // output id -> realisation JSON docs
	roots        map[string]string          // root link -> store path
	settings     *daemon.ClientSettings
}

type object struct {
	info daemon.PathInfo
	nar  []byte
}

// New creates an empty store for the given store directory.
func New(dir storepath.StoreDir) *Store {
	return &Store{
		dir:          dir,
		paths:        map[string]*object{},
		buildLogs:    map[string][]byte{},
		realisations: map[string][]string{},
		roots:        map[string]string{},
	}
}

// StoreDir returns the store directory.
func (s *Store) StoreDir() storepath.StoreDir {
	return s.dir
}

// BuildLog returns a stored build log, or nil.
func (s *Store) BuildLog(drvPath string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.buildLogs[drvPath]
}

// Settings returns the client settings most recently applied via
// SetOptions.
func (s *Store) Settings() *daemon.ClientSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.settings
}

func (s *Store) IsValidPath(_ context.Context, _ daemon.Logger, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.paths[path]

	return ok, nil
}

func (s *Store) QueryPathInfo(_ context.Context, _ daemon.Logger, path string) (*daemon.PathInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.paths[path]
	if !ok {
		return nil, nil
	}

	info := obj.info

	return &info, nil
}

func (s *Store) QueryPathFromHashPart(_ context.Context, _ daemon.Logger, hashPart string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := s.dir.String() + "/" + hashPart
	for path := range s.paths {
		if strings.HasPrefix(path, prefix) {
			return path, nil
		}
	}

	return "", nil
}

func (s *Store) QueryAllValidPaths(context.Context, daemon.Logger) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.paths))
	for path := range s.paths {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths, nil
}

func (s *Store) QueryValidPaths(_ context.Context, _ daemon.Logger, paths []string, _ bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	valid := make([]string, 0, len(paths))

	for _, p := range paths {
		if _, ok := s.paths[p]; ok {
			valid = append(valid, p)
		}
	}

	return valid, nil
}

func (s *Store) QuerySubstitutablePaths(_ context.Context, _ daemon.Logger, _ []string) ([]string, error) {
	// Nothing substitutes into a memory store.
	return nil, nil
}

func (s *Store) QueryReferrers(_ context.Context, _ daemon.Logger, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var referrers []string

	for candidate, obj := range s.paths {
		for _, ref := range obj.info.References {
			if ref == path && candidate != path {
				referrers = append(referrers, candidate)

				break
			}
		}
	}

	sort.Strings(referrers)

	return referrers, nil
}

func (s *Store) QueryValidDerivers(_ context.Context, _ daemon.Logger, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var derivers []string

	for _, obj := range s.paths {
		if obj.info.StorePath == path && obj.info.Deriver != "" {
			derivers = append(derivers, obj.info.Deriver)
		}
	}

	sort.Strings(derivers)

	return derivers, nil
}

func (s *Store) QueryMissing(_ context.Context, _ daemon.Logger, paths []string) (*daemon.MissingInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &daemon.MissingInfo{}

	for _, p := range paths {
		if _, ok := s.paths[p]; !ok {
			info.Unknown = append(info.Unknown, p)
		}
	}

	return info, nil
}

func (s *Store) QueryRealisation(_ context.Context, _ daemon.Logger, outputID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.realisations[outputID], nil
}

func (s *Store) RegisterDrvOutput(_ context.Context, _ daemon.Logger, realisation daemon.Realisation) error {
	raw, err := daemon.MarshalRealisation(realisation)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.realisations[realisation.ID] = append(s.realisations[realisation.ID], raw)

	return nil
}

func (s *Store) NarFromPath(_ context.Context, _ daemon.Logger, path string, w io.Writer) error {
	s.mu.RLock()
	obj, ok := s.paths[path]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("path %q is not valid", path)
	}

	_, err := w.Write(obj.nar)

	return err
}

func (s *Store) AddToStoreNar(_ context.Context, log daemon.Logger, info *daemon.PathInfo, r io.Reader, repair, _ bool) error {
	if _, err := s.dir.ParsePath(info.StorePath); err != nil {
		return err
	}

	var buf bytes.Buffer

	// Validate the archive structure while buffering it.
	if err := nar.Copy(&buf, r); err != nil {
		return fmt.Errorf("reading archive for %s: %w", info.StorePath, err)
	}

	if info.NarSize != 0 && info.NarSize != uint64(buf.Len()) {
		return fmt.Errorf("archive for %s is %d bytes, expected %d", info.StorePath, buf.Len(), info.NarSize)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.paths[info.StorePath]; exists && !repair {
		// Import of an existing path is a no-op, matching substitution
		// semantics.
		return nil
	}

	stored := *info
	stored.NarSize = uint64(buf.Len())

	s.paths[info.StorePath] = &object{info: stored, nar: buf.Bytes()}

	_ = log.Log(daemon.LogMessage{Type: daemon.LogNext, Text: "added " + info.StorePath})

	return nil
}

func (s *Store) AddToStore(ctx context.Context, log daemon.Logger, name, camStr string, refs []string, repair bool, r io.Reader) (*daemon.PathInfo, error) {
	var buf bytes.Buffer

	if err := nar.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", name, err)
	}

	narHash, err := nixhash.NewHashFromReader(nixhash.SHA256, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}

	path, ca, err := s.makeContentAddressedPath(name, camStr, refs, buf.Bytes(), narHash)
	if err != nil {
		return nil, err
	}

	info := &daemon.PathInfo{
		StorePath:  path,
		NarHash:    narHash.Base16(),
		References: refs,
		NarSize:    uint64(buf.Len()),
		CA:         ca,
	}

	if err := s.AddToStoreNar(ctx, log, info, bytes.NewReader(buf.Bytes()), repair, true); err != nil {
		return nil, err
	}

	return info, nil
}

// makeContentAddressedPath derives the store path for an import. Only
// the recursive SHA-256 method ("fixed:r:sha256", the `nix store add`
// default) and the flat text method are supported.
func (s *Store) makeContentAddressedPath(name, camStr string, refs []string, narBytes []byte, narHash nixhash.Hash) (string, string, error) {
	switch camStr {
	case "fixed:r:sha256":
		p, err := makeStorePath(s.dir, "source"+refSuffix(refs), narHash, name)
		if err != nil {
			return "", "", err
		}

		return p, "fixed:r:" + narHash.String(), nil

	case "text":
		// Text addressing hashes the root file's content, not the
		// archive.
		nr := nar.NewReader(bytes.NewReader(narBytes))

		h, err := nr.Next()
		if err != nil || h.Type != nar.TypeRegular {
			return "", "", fmt.Errorf("text content address requires a regular file")
		}

		textHash, err := nixhash.NewHashFromReader(nixhash.SHA256, nr)
		if err != nil {
			return "", "", err
		}

		p, err := makeStorePath(s.dir, "text"+refSuffix(refs), textHash, name)
		if err != nil {
			return "", "", err
		}

		return p, "text:" + textHash.String(), nil

	default:
		return "", "", fmt.Errorf("unsupported content address method %q", camStr)
	}
}

func refSuffix(refs []string) string {
	if len(refs) == 0 {
		return ""
	}

	sorted := append([]string(nil), refs...)
	sort.Strings(sorted)

	return ":" + strings.Join(sorted, ":")
}

// makeStorePath runs the standard store path derivation: hash the
// fingerprint `<type>:sha256:<hash>:<dir>:<name>`, fold the digest to
// 20 bytes, and print it.
func makeStorePath(dir storepath.StoreDir, pathType string, contentHash nixhash.Hash, name string) (string, error) {
	if err := storepath.ValidateName(name); err != nil {
		return "", err
	}

	fingerprint := pathType + ":sha256:" + contentHash.Base16() + ":" + dir.String() + ":" + name

	fpHash, err := nixhash.NewHashFromReader(nixhash.SHA256, strings.NewReader(fingerprint))
	if err != nil {
		return "", err
	}

	var p storepath.StorePath
	for i, b := range fpHash.Digest {
		p.Digest[i%storepath.DigestSize] ^= b
	}

	p.Name = name

	return dir.Path(p), nil
}

func (s *Store) AddBuildLog(_ context.Context, _ daemon.Logger, drvPath string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buildLogs[drvPath] = data

	return nil
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
	// Memory stores have no garbage collector; temporary roots are
	// accepted and not recorded.
	return nil
}

func (s *Store) AddIndirectRoot(context.Context, daemon.Logger, string) error {
	return nil
}

func (s *Store) SyncWithGC(context.Context, daemon.Logger) error {
	return nil
}

func (s *Store) AddPermRoot(_ context.Context, _ daemon.Logger, storePath, gcRoot string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paths[storePath]; !ok {
		return "", fmt.Errorf("path %q is not valid", storePath)
	}

	s.roots[gcRoot] = storePath

	return gcRoot, nil
}

func (s *Store) FindRoots(context.Context, daemon.Logger) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roots := make(map[string]string, len(s.roots))
	for link, path := range s.roots {
		roots[link] = path
	}

	return roots, nil
}

func (s *Store) VerifyStore(_ context.Context, log daemon.Logger, checkContents, _ bool) (bool, error) {
	if !checkContents {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	errorsFound := false

	for path, obj := range s.paths {
		if obj.info.NarHash == "" {
			continue
		}

		algo := nixhash.SHA256

		want, err := nixhash.ParseAny(obj.info.NarHash, &algo)
		if err != nil {
			return true, err
		}

		got, err := nixhash.NewHashFromReader(nixhash.SHA256, bytes.NewReader(obj.nar))
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

func (s *Store) AddSignatures(_ context.Context, _ daemon.Logger, path string, sigs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.paths[path]
	if !ok {
		return fmt.Errorf("path %q is not valid", path)
	}

	obj.info.Sigs = append(obj.info.Sigs, sigs...)

	return nil
}

func (s *Store) SetOptions(_ context.Context, _ daemon.Logger, settings *daemon.ClientSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = settings

	return nil
}
