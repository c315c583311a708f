package daemon

import (
	"context"
	"io"
)

// Logger receives the log messages a store operation produces while it
// runs. The server encodes each message as a stderr-channel frame
// immediately, so everything logged through it reaches the client
// before the operation's result. Implementations are not safe for
// concurrent use; an operation logs from the goroutine it runs on.
type Logger interface {
	// Log emits one message. Only LogNext, LogStartActivity,
	// LogStopActivity and LogResult messages may be sent; the terminal
	// frames are written by the server itself.
	Log(msg LogMessage) error
}

// LoggerFunc adapts a function to the Logger interface.
type LoggerFunc func(msg LogMessage) error

func (f LoggerFunc) Log(msg LogMessage) error {
	return f(msg)
}

// DiscardLogs is a Logger that drops every message.
//
//nolint:gochecknoglobals
var DiscardLogs Logger = LoggerFunc(func(LogMessage) error { return nil })

// Store is the set of semantic operations the daemon protocol exposes.
// A Server decodes each request, invokes the matching method, streams
// everything the operation logs, and encodes the result.
//
// Operations a backend does not support should return ErrUnimplemented
// (possibly wrapped); embedding UnimplementedStore provides that
// behaviour for every method. Errors other than *DaemonError are
// reported to the client as generic error frames; the connection stays
// usable.
type Store interface {
	// IsValidPath reports whether the path exists in the store.
	IsValidPath(ctx context.Context, log Logger, path string) (bool, error)

	// QueryPathInfo returns metadata for a path, or nil if the path is
	// unknown.
	QueryPathInfo(ctx context.Context, log Logger, path string) (*PathInfo, error)

	// QueryPathFromHashPart resolves a store path by the hash part of
	// its base name, returning "" when unknown.
	QueryPathFromHashPart(ctx context.Context, log Logger, hashPart string) (string, error)

	// QueryAllValidPaths lists every valid path.
	QueryAllValidPaths(ctx context.Context, log Logger) ([]string, error)

	// QueryValidPaths filters the given paths down to the valid ones.
	// When substituteOk is set the store may consult substituters.
	QueryValidPaths(ctx context.Context, log Logger, paths []string, substituteOk bool) ([]string, error)

	// QuerySubstitutablePaths filters the given paths down to those a
	// substituter can provide.
	QuerySubstitutablePaths(ctx context.Context, log Logger, paths []string) ([]string, error)

	// QueryValidDerivers lists derivations known to produce the path.
	QueryValidDerivers(ctx context.Context, log Logger, path string) ([]string, error)

	// QueryReferrers lists paths that reference the given path.
	QueryReferrers(ctx context.Context, log Logger, path string) ([]string, error)

	// QueryDerivationOutputMap maps output names of a derivation to
	// their store paths.
	QueryDerivationOutputMap(ctx context.Context, log Logger, drvPath string) (map[string]string, error)

	// QueryMissing plans which derived paths must be built or
	// substituted.
	QueryMissing(ctx context.Context, log Logger, paths []string) (*MissingInfo, error)

	// QueryRealisation returns the realisation JSON documents for a
	// derivation output id.
	QueryRealisation(ctx context.Context, log Logger, outputID string) ([]string, error)

	// NarFromPath streams the NAR serialisation of the path to w. The
	// bytes written must form exactly one well-formed archive.
	NarFromPath(ctx context.Context, log Logger, path string, w io.Writer) error

	// AddToStoreNar imports a path from its NAR serialisation. The
	// reader yields exactly one archive.
	AddToStoreNar(ctx context.Context, log Logger, info *PathInfo, r io.Reader, repair, dontCheckSigs bool) error

	// AddToStore imports a path from a NAR dump, deriving its store
	// path from the content address method in camStr (such as "text",
	// "fixed:r:sha256"). It returns the resulting path's metadata.
	AddToStore(ctx context.Context, log Logger, name, camStr string, refs []string, repair bool, r io.Reader) (*PathInfo, error)

	// AddBuildLog stores the build log for a derivation. The reader
	// yields the raw log text.
	AddBuildLog(ctx context.Context, log Logger, drvPath string, r io.Reader) error

	// BuildPaths builds or substitutes the given derived paths.
	BuildPaths(ctx context.Context, log Logger, paths []string, mode BuildMode) error

	// BuildPathsWithResults is BuildPaths with a per-path outcome.
	BuildPathsWithResults(ctx context.Context, log Logger, paths []string, mode BuildMode) ([]KeyedBuildResult, error)

	// BuildDerivation builds one derivation from its wire description.
	BuildDerivation(ctx context.Context, log Logger, drvPath string, drv *BasicDerivation, mode BuildMode) (*BuildResult, error)

	// EnsurePath makes the path valid, building or substituting as
	// needed.
	EnsurePath(ctx context.Context, log Logger, path string) error

	// AddTempRoot registers a temporary GC root for the connection's
	// lifetime.
	AddTempRoot(ctx context.Context, log Logger, path string) error

	// AddIndirectRoot registers a GC root through a symlink outside the
	// store.
	AddIndirectRoot(ctx context.Context, log Logger, path string) error

	// AddPermRoot links gcRoot to storePath and returns the root path.
	AddPermRoot(ctx context.Context, log Logger, storePath, gcRoot string) (string, error)

	// SyncWithGC waits for a garbage collection round in progress.
	SyncWithGC(ctx context.Context, log Logger) error

	// FindRoots maps root link paths to the store paths they pin.
	FindRoots(ctx context.Context, log Logger) (map[string]string, error)

	// CollectGarbage runs the garbage collector.
	CollectGarbage(ctx context.Context, log Logger, options *GCOptions) (*GCResult, error)

	// OptimiseStore deduplicates identical store files.
	OptimiseStore(ctx context.Context, log Logger) error

	// VerifyStore checks store consistency, returning whether errors
	// were found.
	VerifyStore(ctx context.Context, log Logger, checkContents, repair bool) (bool, error)

	// AddSignatures attaches signatures to a path.
	AddSignatures(ctx context.Context, log Logger, path string, sigs []string) error

	// RegisterDrvOutput records a realisation from its JSON document.
	RegisterDrvOutput(ctx context.Context, log Logger, realisation Realisation) error

	// SetOptions applies the client's build settings to this
	// connection. Unknown keys in Overrides are forwarded, not
	// rejected.
	SetOptions(ctx context.Context, log Logger, settings *ClientSettings) error
}

// UnimplementedStore returns ErrUnimplemented from every operation.
// Embed it to implement Store partially.
type UnimplementedStore struct{}

var _ Store = UnimplementedStore{}

func (UnimplementedStore) IsValidPath(context.Context, Logger, string) (bool, error) {
	return false, ErrUnimplemented
}

func (UnimplementedStore) QueryPathInfo(context.Context, Logger, string) (*PathInfo, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QueryPathFromHashPart(context.Context, Logger, string) (string, error) {
	return "", ErrUnimplemented
}

func (UnimplementedStore) QueryAllValidPaths(context.Context, Logger) ([]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QueryValidPaths(context.Context, Logger, []string, bool) ([]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QuerySubstitutablePaths(context.Context, Logger, []string) ([]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QueryValidDerivers(context.Context, Logger, string) ([]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QueryReferrers(context.Context, Logger, string) ([]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QueryDerivationOutputMap(context.Context, Logger, string) (map[string]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QueryMissing(context.Context, Logger, []string) (*MissingInfo, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) QueryRealisation(context.Context, Logger, string) ([]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) NarFromPath(context.Context, Logger, string, io.Writer) error {
	return ErrUnimplemented
}

func (UnimplementedStore) AddToStoreNar(context.Context, Logger, *PathInfo, io.Reader, bool, bool) error {
	return ErrUnimplemented
}

func (UnimplementedStore) AddToStore(context.Context, Logger, string, string, []string, bool, io.Reader) (*PathInfo, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) AddBuildLog(context.Context, Logger, string, io.Reader) error {
	return ErrUnimplemented
}

func (UnimplementedStore) BuildPaths(context.Context, Logger, []string, BuildMode) error {
	return ErrUnimplemented
}

func (UnimplementedStore) BuildPathsWithResults(context.Context, Logger, []string, BuildMode) ([]KeyedBuildResult, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) BuildDerivation(context.Context, Logger, string, *BasicDerivation, BuildMode) (*BuildResult, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) EnsurePath(context.Context, Logger, string) error {
	return ErrUnimplemented
}

func (UnimplementedStore) AddTempRoot(context.Context, Logger, string) error {
	return ErrUnimplemented
}

func (UnimplementedStore) AddIndirectRoot(context.Context, Logger, string) error {
	return ErrUnimplemented
}

func (UnimplementedStore) AddPermRoot(context.Context, Logger, string, string) (string, error) {
	return "", ErrUnimplemented
}

func (UnimplementedStore) SyncWithGC(context.Context, Logger) error {
	return ErrUnimplemented
}

func (UnimplementedStore) FindRoots(context.Context, Logger) (map[string]string, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) CollectGarbage(context.Context, Logger, *GCOptions) (*GCResult, error) {
	return nil, ErrUnimplemented
}

func (UnimplementedStore) OptimiseStore(context.Context, Logger) error {
	return ErrUnimplemented
}

func (UnimplementedStore) VerifyStore(context.Context, Logger, bool, bool) (bool, error) {
	return false, ErrUnimplemented
}

func (UnimplementedStore) AddSignatures(context.Context, Logger, string, []string) error {
	return ErrUnimplemented
}

func (UnimplementedStore) RegisterDrvOutput(context.Context, Logger, Realisation) error {
	return ErrUnimplemented
}

func (UnimplementedStore) SetOptions(context.Context, Logger, *ClientSettings) error {
	return ErrUnimplemented
}
