package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/nix-community/go-nix-daemon/pkg/wire"
)

// HandshakeInfo holds the result of a successful handshake.
type HandshakeInfo struct {
	// Version is the negotiated protocol version.
	Version uint64
	// DaemonNixVersion is the daemon's version string (v1.33+, empty
	// before that).
	DaemonNixVersion string
	// Trust is the trust level the daemon assigned to this client
	// (TrustUnknown before v1.33).
	Trust TrustLevel
}

// Handshake performs the client half of the daemon protocol handshake
// over a connection. It uses buffered I/O internally.
func Handshake(conn net.Conn) (*HandshakeInfo, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	return handshakeWithBufIO(r, w, nil)
}

// negotiate computes the common protocol version and validates it.
func negotiate(local, peer uint64) (uint64, error) {
	if versionMajor(peer) != 1 {
		return 0, fmt.Errorf("peer speaks protocol major version %d, only 1 is supported", versionMajor(peer))
	}

	version := peer
	if local < version {
		version = local
	}

	if version < MinProtocolVersion {
		return 0, fmt.Errorf("negotiated protocol version %d.%d is older than minimum supported %d.%d",
			versionMajor(version), versionMinor(version),
			versionMajor(MinProtocolVersion), versionMinor(MinProtocolVersion))
	}

	return version, nil
}

// handshakeWithBufIO performs the client half of the handshake using
// the provided buffered reader and writer. Any log messages the server
// emits as part of its greeting are delivered to logs.
func handshakeWithBufIO(r io.Reader, w *bufio.Writer, logs chan<- LogMessage) (*HandshakeInfo, error) {
	// 1. Client sends its magic and newest supported version — flush.
	if err := wire.WriteUint64(w, ClientMagic); err != nil {
		return nil, &ProtocolError{Op: "handshake write client magic", Err: err}
	}

	if err := wire.WriteUint64(w, ProtocolVersion); err != nil {
		return nil, &ProtocolError{Op: "handshake write client version", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client magic", Err: err}
	}

	// 2. Server responds with its magic — validate.
	serverMagic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server magic", Err: err}
	}

	if serverMagic != ServerMagic {
		return nil, &ProtocolError{
			Op:  "handshake validate server magic",
			Err: fmt.Errorf("expected %#x, got %#x", ServerMagic, serverMagic),
		}
	}

	// 3. Server sends its protocol version; both sides settle on the
	// minimum.
	serverVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server version", Err: err}
	}

	version, err := negotiate(ProtocolVersion, serverVersion)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake version negotiation", Err: err}
	}

	// 4. Obsolete client flags: CPU affinity (v1.14+) and reserve
	// space (v1.11+), both always zero at the versions we speak.
	if err := wire.WriteUint64(w, 0); err != nil {
		return nil, &ProtocolError{Op: "handshake write cpu affinity", Err: err}
	}

	if err := wire.WriteUint64(w, 0); err != nil {
		return nil, &ProtocolError{Op: "handshake write reserve space", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client flags", Err: err}
	}

	info := &HandshakeInfo{Version: version}

	// 5. From v1.33 the server confirms its version and introduces
	// itself with a version string and the client's trust level.
	if versionMinor(version) >= 33 {
		if _, err := wire.ReadUint64(r); err != nil {
			return nil, &ProtocolError{Op: "handshake read server version echo", Err: err}
		}

		daemonVersion, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read daemon version", Err: err}
		}

		trustRaw, err := wire.ReadUint64(r)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read trust level", Err: err}
		}

		info.DaemonNixVersion = daemonVersion
		info.Trust = TrustLevel(trustRaw)
	}

	// 6. The server may greet with log frames; drain until LogLast.
	if err := ProcessStderr(r, logs); err != nil {
		return nil, err
	}

	return info, nil
}

// serverHandshake performs the server half of the handshake and returns
// the negotiated version. The caller supplies the daemon version string
// and the trust level it assigned to the connection.
func serverHandshake(r io.Reader, w *bufio.Writer, localVersion uint64, daemonVersion string, trust TrustLevel) (uint64, error) {
	clientMagic, err := wire.ReadUint64(r)
	if err != nil {
		return 0, &ProtocolError{Op: "handshake read client magic", Err: err}
	}

	if clientMagic != ClientMagic {
		return 0, &ProtocolError{
			Op:  "handshake validate client magic",
			Err: fmt.Errorf("expected %#x, got %#x", ClientMagic, clientMagic),
		}
	}

	clientVersion, err := wire.ReadUint64(r)
	if err != nil {
		return 0, &ProtocolError{Op: "handshake read client version", Err: err}
	}

	if err := wire.WriteUint64(w, ServerMagic); err != nil {
		return 0, &ProtocolError{Op: "handshake write server magic", Err: err}
	}

	if err := wire.WriteUint64(w, localVersion); err != nil {
		return 0, &ProtocolError{Op: "handshake write server version", Err: err}
	}

	if err := w.Flush(); err != nil {
		return 0, &ProtocolError{Op: "handshake flush server greeting", Err: err}
	}

	version, err := negotiate(localVersion, clientVersion)
	if err != nil {
		return 0, &ProtocolError{Op: "handshake version negotiation", Err: err}
	}

	// Obsolete client flags. A non-zero affinity flag is followed by
	// the requested CPU pin.
	if versionMinor(version) >= 14 {
		affinity, err := wire.ReadUint64(r)
		if err != nil {
			return 0, &ProtocolError{Op: "handshake read cpu affinity", Err: err}
		}

		if affinity != 0 {
			if _, err := wire.ReadUint64(r); err != nil {
				return 0, &ProtocolError{Op: "handshake read cpu pin", Err: err}
			}
		}
	}

	if versionMinor(version) >= 11 {
		if _, err := wire.ReadUint64(r); err != nil {
			return 0, &ProtocolError{Op: "handshake read reserve space", Err: err}
		}
	}

	if versionMinor(version) >= 33 {
		if err := wire.WriteUint64(w, localVersion); err != nil {
			return 0, &ProtocolError{Op: "handshake write server version echo", Err: err}
		}

		if err := wire.WriteString(w, daemonVersion); err != nil {
			return 0, &ProtocolError{Op: "handshake write daemon version", Err: err}
		}

		if err := wire.WriteUint64(w, uint64(trust)); err != nil {
			return 0, &ProtocolError{Op: "handshake write trust level", Err: err}
		}
	}

	// Close the greeting log stream.
	if err := wire.WriteUint64(w, uint64(LogLast)); err != nil {
		return 0, &ProtocolError{Op: "handshake write greeting last", Err: err}
	}

	if err := w.Flush(); err != nil {
		return 0, &ProtocolError{Op: "handshake flush server fields", Err: err}
	}

	return version, nil
}
