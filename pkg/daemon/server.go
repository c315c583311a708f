package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/nix-community/go-nix-daemon/pkg/nar"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
	"github.com/nix-community/go-nix-daemon/pkg/wire"
)

// Server answers daemon protocol connections by dispatching operations
// to a Store. One connection is served by one goroutine; the store must
// be safe for concurrent use across connections.
type Server struct {
	store         Store
	daemonVersion string
	trust         TrustLevel
	version       uint64
	storeDir      storepath.StoreDir
	slog          *slog.Logger
	observer      func(op Operation)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDaemonVersion sets the version string sent to v1.33+ clients.
func WithDaemonVersion(v string) ServerOption {
	return func(s *Server) {
		s.daemonVersion = v
	}
}

// WithTrust sets the trust level assigned to connecting clients.
// Untrusted clients are denied the operations flagged trust-required.
func WithTrust(trust TrustLevel) ServerOption {
	return func(s *Server) {
		s.trust = trust
	}
}

// WithServerStoreDir sets the store directory requests are validated
// against. Defaults to /nix/store.
func WithServerStoreDir(dir storepath.StoreDir) ServerOption {
	return func(s *Server) {
		s.storeDir = dir
	}
}

// WithMaxVersion caps the protocol version the server offers. Useful
// for testing version negotiation.
func WithMaxVersion(v uint64) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithOpObserver registers a callback invoked once per dispatched
// operation, before it runs. Used for metrics.
func WithOpObserver(observer func(op Operation)) ServerOption {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithSlog sets the logger for connection-level events.
func WithSlog(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.slog = logger
	}
}

// NewServer creates a Server for the given store.
func NewServer(store Store, opts ...ServerOption) *Server {
	s := &Server{
		store:         store,
		daemonVersion: "go-nix-daemon 1.0",
		trust:         TrustTrusted,
		version:       ProtocolVersion,
		storeDir:      storepath.DefaultStoreDir,
		slog:          slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts connections from l until it is closed, serving each on
// its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		go func() {
			defer conn.Close()

			if err := s.ServeConn(ctx, conn); err != nil {
				s.slog.Error("connection failed", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ServeConn performs the handshake and serves operations on conn until
// the client disconnects or the connection is poisoned by a protocol
// error.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriter) error {
	sc := &serverConn{
		srv: s,
		r:   bufio.NewReader(conn),
		w:   bufio.NewWriter(conn),
	}

	version, err := serverHandshake(sc.r, sc.w, s.version, s.daemonVersion, s.trust)
	if err != nil {
		return err
	}

	sc.version = version

	for {
		raw, err := wire.ReadUint64(sc.r)
		if err != nil {
			// A clean disconnect between operations ends the session.
			if errors.Is(err, io.EOF) {
				return nil
			}

			return &ProtocolError{Op: "read operation", Err: err}
		}

		if err := sc.dispatch(ctx, Operation(raw)); err != nil {
			return err
		}
	}
}

// serverConn is the per-connection protocol state.
type serverConn struct {
	srv     *Server
	r       *bufio.Reader
	w       *bufio.Writer
	version uint64
}

// logger returns the Logger handed to store operations: every message
// is encoded as a stderr frame and flushed immediately, preserving the
// log-before-result ordering.
func (sc *serverConn) logger() Logger {
	return LoggerFunc(func(msg LogMessage) error {
		switch msg.Type {
		case LogNext, LogStartActivity, LogStopActivity, LogResult:
		default:
			return fmt.Errorf("store may not emit log message type %#x", uint64(msg.Type))
		}

		if err := WriteLogMessage(sc.w, msg); err != nil {
			return err
		}

		return sc.w.Flush()
	})
}

// opError reports a per-operation failure: an error frame with no
// result body. The connection stays usable.
func (sc *serverConn) opError(err error) error {
	if werr := writeDaemonError(sc.w, asDaemonError(err)); werr != nil {
		return &ProtocolError{Op: "write error frame", Err: werr}
	}

	if werr := sc.w.Flush(); werr != nil {
		return &ProtocolError{Op: "flush error frame", Err: werr}
	}

	return nil
}

// finishOp ends the log stream and writes the result body.
func (sc *serverConn) finishOp(writeResult func(w io.Writer) error) error {
	if err := wire.WriteUint64(sc.w, uint64(LogLast)); err != nil {
		return &ProtocolError{Op: "write last frame", Err: err}
	}

	if writeResult != nil {
		if err := writeResult(sc.w); err != nil {
			return &ProtocolError{Op: "write result", Err: err}
		}
	}

	if err := sc.w.Flush(); err != nil {
		return &ProtocolError{Op: "flush result", Err: err}
	}

	return nil
}

// checkPath validates a printed store path from the request.
func (sc *serverConn) checkPath(path string) error {
	_, err := sc.srv.storeDir.ParsePath(path)

	return err
}

// readPath reads one printed store path from the request and validates
// it.
func (sc *serverConn) readPath() (string, error) {
	path, err := wire.ReadString(sc.r, MaxStringSize)
	if err != nil {
		return "", &ProtocolError{Op: "read path", Err: err}
	}

	if err := sc.checkPath(path); err != nil {
		return "", err
	}

	return path, nil
}

// ackResult writes the uint64 acknowledgement many void operations
// respond with.
func ackResult(w io.Writer) error {
	return wire.WriteUint64(w, 1)
}

// dispatch decodes one operation, runs it, and encodes its outcome.
// A non-nil return poisons the connection; store failures are reported
// in-band and return nil.
func (sc *serverConn) dispatch(ctx context.Context, op Operation) error {
	if sc.srv.observer != nil {
		sc.srv.observer(op)
	}

	if _, known := operationNames[op]; !known {
		// The request body cannot be decoded, so the stream is beyond
		// recovery: report and close.
		if err := sc.opError(fmt.Errorf("unknown operation %d", uint64(op))); err != nil {
			return err
		}

		return &ProtocolError{Op: "dispatch", Err: fmt.Errorf("unknown operation %d", uint64(op))}
	}

	if sc.version < op.MinVersion() {
		if err := sc.opError(&UnsupportedOperationError{Op: op, Version: sc.version}); err != nil {
			return err
		}

		return &ProtocolError{Op: "dispatch", Err: fmt.Errorf("%s sent before protocol %#x", op, op.MinVersion())}
	}

	denied := op.TrustRequired() && sc.srv.trust == TrustNotTrusted
	log := sc.logger()

	switch op {
	case OpIsValidPath:
		path, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		valid, err := sc.srv.store.IsValidPath(ctx, log, path)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return wire.WriteBool(w, valid)
		})

	case OpQueryPathInfo:
		path, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		info, err := sc.srv.store.QueryPathInfo(ctx, log, path)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			if info == nil {
				return wire.WriteBool(w, false)
			}

			if err := wire.WriteBool(w, true); err != nil {
				return err
			}

			return WriteUnkeyedPathInfo(w, info)
		})

	case OpQueryPathFromHashPart:
		hashPart, err := wire.ReadString(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read hash part", Err: err}
		}

		path, err := sc.srv.store.QueryPathFromHashPart(ctx, log, hashPart)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return wire.WriteString(w, path)
		})

	case OpQueryAllValidPaths:
		paths, err := sc.srv.store.QueryAllValidPaths(ctx, log)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStrings(w, paths)
		})

	case OpQueryValidPaths:
		paths, err := sc.readPathList()
		if err != nil {
			return sc.requestError(err)
		}

		substituteOk := false

		if versionMinor(sc.version) >= 27 {
			substituteOk, err = wire.ReadBool(sc.r)
			if err != nil {
				return &ProtocolError{Op: "read substitute flag", Err: err}
			}
		}

		valid, err := sc.srv.store.QueryValidPaths(ctx, log, paths, substituteOk)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStrings(w, valid)
		})

	case OpQuerySubstitutablePaths:
		paths, err := sc.readPathList()
		if err != nil {
			return sc.requestError(err)
		}

		substitutable, err := sc.srv.store.QuerySubstitutablePaths(ctx, log, paths)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStrings(w, substitutable)
		})

	case OpQueryValidDerivers:
		path, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		derivers, err := sc.srv.store.QueryValidDerivers(ctx, log, path)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStrings(w, derivers)
		})

	case OpQueryReferrers:
		path, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		referrers, err := sc.srv.store.QueryReferrers(ctx, log, path)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStrings(w, referrers)
		})

	case OpQueryDerivationOutputMap:
		drvPath, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		outputs, err := sc.srv.store.QueryDerivationOutputMap(ctx, log, drvPath)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStringMap(w, outputs)
		})

	case OpQueryMissing:
		paths, err := ReadStrings(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read derived paths", Err: err}
		}

		info, err := sc.srv.store.QueryMissing(ctx, log, paths)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteMissingInfo(w, info)
		})

	case OpQueryRealisation:
		outputID, err := wire.ReadString(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read output id", Err: err}
		}

		realisations, err := sc.srv.store.QueryRealisation(ctx, log, outputID)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStrings(w, realisations)
		})

	case OpNarFromPath:
		return sc.narFromPath(ctx, log)

	case OpAddToStoreNar:
		return sc.addToStoreNar(ctx, log, denied)

	case OpAddMultipleToStore:
		return sc.addMultipleToStore(ctx, log, denied)

	case OpAddToStore:
		return sc.addToStore(ctx, log)

	case OpAddBuildLog:
		return sc.addBuildLog(ctx, log, denied)

	case OpBuildPaths:
		paths, err := ReadStrings(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read derived paths", Err: err}
		}

		mode, err := wire.ReadUint64(sc.r)
		if err != nil {
			return &ProtocolError{Op: "read build mode", Err: err}
		}

		if err := sc.srv.store.BuildPaths(ctx, log, paths, BuildMode(mode)); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(ackResult)

	case OpBuildPathsWithResults:
		paths, err := ReadStrings(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read derived paths", Err: err}
		}

		mode, err := wire.ReadUint64(sc.r)
		if err != nil {
			return &ProtocolError{Op: "read build mode", Err: err}
		}

		results, err := sc.srv.store.BuildPathsWithResults(ctx, log, paths, BuildMode(mode))
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			if err := wire.WriteUint64(w, uint64(len(results))); err != nil {
				return err
			}

			for i := range results {
				if err := wire.WriteString(w, results[i].Path); err != nil {
					return err
				}

				if err := WriteBuildResult(w, &results[i].Result); err != nil {
					return err
				}
			}

			return nil
		})

	case OpBuildDerivation:
		drvPath, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		drv, err := ReadBasicDerivation(sc.r)
		if err != nil {
			return &ProtocolError{Op: "read derivation", Err: err}
		}

		mode, err := wire.ReadUint64(sc.r)
		if err != nil {
			return &ProtocolError{Op: "read build mode", Err: err}
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		result, err := sc.srv.store.BuildDerivation(ctx, log, drvPath, drv, BuildMode(mode))
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteBuildResult(w, result)
		})

	case OpEnsurePath:
		path, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		if err := sc.srv.store.EnsurePath(ctx, log, path); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(ackResult)

	case OpAddTempRoot:
		path, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		if err := sc.srv.store.AddTempRoot(ctx, log, path); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(ackResult)

	case OpAddIndirectRoot:
		// The root is a symlink outside the store; no path validation.
		path, err := wire.ReadString(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read root path", Err: err}
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		if err := sc.srv.store.AddIndirectRoot(ctx, log, path); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(ackResult)

	case OpAddPermRoot:
		storePath, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		gcRoot, err := wire.ReadString(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read gc root", Err: err}
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		rootPath, err := sc.srv.store.AddPermRoot(ctx, log, storePath, gcRoot)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return wire.WriteString(w, rootPath)
		})

	case OpSyncWithGC:
		if err := sc.srv.store.SyncWithGC(ctx, log); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(ackResult)

	case OpFindRoots:
		roots, err := sc.srv.store.FindRoots(ctx, log)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return WriteStringMap(w, roots)
		})

	case OpCollectGarbage:
		options, err := ReadGCOptions(sc.r)
		if err != nil {
			return err
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		result, err := sc.srv.store.CollectGarbage(ctx, log, options)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			if err := WriteStrings(w, result.Paths); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, result.BytesFreed); err != nil {
				return err
			}

			// Obsolete field.
			return wire.WriteUint64(w, 0)
		})

	case OpOptimiseStore:
		if denied {
			return sc.opError(ErrNotTrusted)
		}

		if err := sc.srv.store.OptimiseStore(ctx, log); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(ackResult)

	case OpVerifyStore:
		checkContents, err := wire.ReadBool(sc.r)
		if err != nil {
			return &ProtocolError{Op: "read checkContents", Err: err}
		}

		repair, err := wire.ReadBool(sc.r)
		if err != nil {
			return &ProtocolError{Op: "read repair", Err: err}
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		errorsFound, err := sc.srv.store.VerifyStore(ctx, log, checkContents, repair)
		if err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(func(w io.Writer) error {
			return wire.WriteBool(w, errorsFound)
		})

	case OpAddSignatures:
		path, err := sc.readPath()
		if err != nil {
			return sc.requestError(err)
		}

		sigs, err := ReadStrings(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read signatures", Err: err}
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		if err := sc.srv.store.AddSignatures(ctx, log, path, sigs); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(ackResult)

	case OpRegisterDrvOutput:
		raw, err := wire.ReadString(sc.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read realisation", Err: err}
		}

		if denied {
			return sc.opError(ErrNotTrusted)
		}

		realisation, err := UnmarshalRealisation(raw)
		if err != nil {
			return sc.opError(fmt.Errorf("parsing realisation: %w", err))
		}

		if err := sc.srv.store.RegisterDrvOutput(ctx, log, realisation); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(nil)

	case OpSetOptions:
		settings, err := ReadClientSettings(sc.r)
		if err != nil {
			return err
		}

		if err := sc.srv.store.SetOptions(ctx, log, settings); err != nil {
			return sc.opError(err)
		}

		return sc.finishOp(nil)

	default:
		// Known name but not dispatched: treat as unimplemented with an
		// undecodable body.
		if err := sc.opError(ErrUnimplemented); err != nil {
			return err
		}

		return &ProtocolError{Op: "dispatch", Err: fmt.Errorf("cannot decode request for %s", op)}
	}
}

// requestError reports an invalid request value (such as a malformed
// store path) in-band when possible. Wire-level failures poison the
// connection instead.
func (sc *serverConn) requestError(err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return err
	}

	return sc.opError(err)
}

// readPathList reads and validates a list of printed store paths.
func (sc *serverConn) readPathList() ([]string, error) {
	paths, err := ReadStrings(sc.r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path list", Err: err}
	}

	for _, p := range paths {
		if err := sc.checkPath(p); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

// narFromPath streams the path's archive to the client after the log
// stream ends. A failure while the archive is being written cannot be
// reported in-band and poisons the connection.
func (sc *serverConn) narFromPath(ctx context.Context, log Logger) error {
	path, err := sc.readPath()
	if err != nil {
		return sc.requestError(err)
	}

	// Probe before committing to the result frame, so a missing path is
	// still a recoverable error.
	valid, err := sc.srv.store.IsValidPath(ctx, log, path)
	if err != nil {
		return sc.opError(err)
	}

	if !valid {
		return sc.opError(fmt.Errorf("path %q is not valid", path))
	}

	if err := sc.finishOp(nil); err != nil {
		return err
	}

	if err := sc.srv.store.NarFromPath(ctx, DiscardLogs, path, sc.w); err != nil {
		return &ProtocolError{Op: "stream nar", Err: err}
	}

	if err := sc.w.Flush(); err != nil {
		return &ProtocolError{Op: "flush nar", Err: err}
	}

	return nil
}

// addToStoreNar imports one framed archive.
func (sc *serverConn) addToStoreNar(ctx context.Context, log Logger, denied bool) error {
	info, err := ReadValidPathInfo(sc.r)
	if err != nil {
		return err
	}

	repair, err := wire.ReadBool(sc.r)
	if err != nil {
		return &ProtocolError{Op: "read repair", Err: err}
	}

	dontCheckSigs, err := wire.ReadBool(sc.r)
	if err != nil {
		return &ProtocolError{Op: "read dontCheckSigs", Err: err}
	}

	if versionMinor(sc.version) < 23 {
		return &ProtocolError{Op: "AddToStoreNar", Err: fmt.Errorf("unframed uploads (protocol < 1.23) are not supported")}
	}

	fr := NewFramedReader(sc.r)

	storeErr := sc.checkPath(info.StorePath)
	if storeErr == nil && denied {
		storeErr = ErrNotTrusted
	}

	if storeErr == nil {
		storeErr = sc.srv.store.AddToStoreNar(ctx, log, info, fr, repair, dontCheckSigs)
	}

	// The framed stream must be consumed to its terminator either way,
	// or the connection desynchronizes.
	if _, err := io.Copy(io.Discard, fr); err != nil {
		return &ProtocolError{Op: "drain framed stream", Err: err}
	}

	if storeErr != nil {
		return sc.opError(storeErr)
	}

	return sc.finishOp(nil)
}

// addMultipleToStore imports a counted sequence of archives from one
// framed stream.
func (sc *serverConn) addMultipleToStore(ctx context.Context, log Logger, denied bool) error {
	repair, err := wire.ReadBool(sc.r)
	if err != nil {
		return &ProtocolError{Op: "read repair", Err: err}
	}

	dontCheckSigs, err := wire.ReadBool(sc.r)
	if err != nil {
		return &ProtocolError{Op: "read dontCheckSigs", Err: err}
	}

	fr := NewFramedReader(sc.r)

	storeErr := error(nil)
	if denied {
		storeErr = ErrNotTrusted
	} else {
		storeErr = sc.importMultiple(ctx, log, fr, repair, dontCheckSigs)
	}

	if _, err := io.Copy(io.Discard, fr); err != nil {
		return &ProtocolError{Op: "drain framed stream", Err: err}
	}

	if storeErr != nil {
		return sc.opError(storeErr)
	}

	return sc.finishOp(nil)
}

// importMultiple decodes the framed multi-path payload: a count, then
// for each path a ValidPathInfo header followed by its archive. Any
// failure aborts the import.
func (sc *serverConn) importMultiple(ctx context.Context, log Logger, fr *FramedReader, repair, dontCheckSigs bool) error {
	count, err := wire.ReadUint64(fr)
	if err != nil {
		return fmt.Errorf("reading path count: %w", err)
	}

	for i := uint64(0); i < count; i++ {
		info, err := ReadValidPathInfo(fr)
		if err != nil {
			return fmt.Errorf("reading path info %d: %w", i, err)
		}

		if err := sc.checkPath(info.StorePath); err != nil {
			return err
		}

		// Carve exactly one archive out of the stream for the store.
		pr, pw := io.Pipe()
		copyDone := make(chan error, 1)

		go func() {
			err := nar.Copy(pw, fr)
			pw.CloseWithError(err)
			copyDone <- err
		}()

		storeErr := sc.srv.store.AddToStoreNar(ctx, log, info, pr, repair, dontCheckSigs)

		// Finish the archive even if the store stopped reading early.
		io.Copy(io.Discard, pr) //nolint:errcheck // best-effort drain

		if err := <-copyDone; err != nil {
			return fmt.Errorf("copying archive for %s: %w", info.StorePath, err)
		}

		if storeErr != nil {
			return storeErr
		}
	}

	return nil
}

// addToStore imports one path from a dump, letting the store compute
// its content address.
func (sc *serverConn) addToStore(ctx context.Context, log Logger) error {
	name, err := wire.ReadString(sc.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read name", Err: err}
	}

	camStr, err := wire.ReadString(sc.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read content address method", Err: err}
	}

	refs, err := ReadStrings(sc.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read references", Err: err}
	}

	repair, err := wire.ReadBool(sc.r)
	if err != nil {
		return &ProtocolError{Op: "read repair", Err: err}
	}

	fr := NewFramedReader(sc.r)

	var (
		info     *PathInfo
		storeErr error
	)

	if err := storepath.ValidateName(name); err != nil {
		storeErr = err
	} else if storeErr = sc.validateRefs(refs); storeErr == nil {
		info, storeErr = sc.srv.store.AddToStore(ctx, log, name, camStr, refs, repair, fr)
	}

	if _, err := io.Copy(io.Discard, fr); err != nil {
		return &ProtocolError{Op: "drain framed stream", Err: err}
	}

	if storeErr != nil {
		return sc.opError(storeErr)
	}

	return sc.finishOp(func(w io.Writer) error {
		return WritePathInfo(w, info)
	})
}

func (sc *serverConn) validateRefs(refs []string) error {
	for _, ref := range refs {
		if err := sc.checkPath(ref); err != nil {
			return err
		}
	}

	return nil
}

// addBuildLog stores a framed build log upload.
func (sc *serverConn) addBuildLog(ctx context.Context, log Logger, denied bool) error {
	drvPath, err := wire.ReadString(sc.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read drv path", Err: err}
	}

	fr := NewFramedReader(sc.r)

	storeErr := sc.checkPath(drvPath)
	if storeErr == nil && denied {
		storeErr = ErrNotTrusted
	}

	if storeErr == nil {
		storeErr = sc.srv.store.AddBuildLog(ctx, log, drvPath, fr)
	}

	if _, err := io.Copy(io.Discard, fr); err != nil {
		return &ProtocolError{Op: "drain framed stream", Err: err}
	}

	if storeErr != nil {
		return sc.opError(storeErr)
	}

	return sc.finishOp(nil)
}
