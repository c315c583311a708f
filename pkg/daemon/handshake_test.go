package daemon_test

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
)

func writeWireUint64To(t *testing.T, w io.Writer, v uint64) {
	t.Helper()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)

	_, err := w.Write(buf[:])
	require.NoError(t, err)
}

func writeWireStringTo(t *testing.T, w io.Writer, s string) {
	t.Helper()

	writeWireUint64To(t, w, uint64(len(s)))

	_, err := io.WriteString(w, s)
	require.NoError(t, err)

	if pad := (8 - len(s)%8) % 8; pad != 0 {
		_, err := w.Write(make([]byte, pad))
		require.NoError(t, err)
	}
}

func readWireUint64From(t *testing.T, r io.Reader) uint64 {
	t.Helper()

	var buf [8]byte
	_, err := io.ReadFull(r, buf[:])
	require.NoError(t, err)

	return binary.LittleEndian.Uint64(buf[:])
}

// TestHandshakeOldServer pins the 1.21 exchange: the first sixteen
// bytes each way are the magic and version words, nothing else follows
// besides the obsolete client flags and the greeting terminator.
func TestHandshakeOldServer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)

	go func() {
		defer close(done)

		greeting := make([]byte, 16)
		if _, err := io.ReadFull(serverConn, greeting); err != nil {
			done <- err

			return
		}

		// 6e69 7863 0000 0000 2500 0100 0000 0000
		assert.Equal(t, []byte{
			0x63, 0x78, 0x69, 0x6e, 0, 0, 0, 0, // little-endian 0x6e697863
			0x25, 0x01, 0, 0, 0, 0, 0, 0,
		}, greeting)

		writeWireUint64To(t, serverConn, daemon.ServerMagic)
		writeWireUint64To(t, serverConn, 0x0115) // server speaks 1.21

		// Obsolete affinity + reserve-space flags.
		flags := make([]byte, 16)
		if _, err := io.ReadFull(serverConn, flags); err != nil {
			done <- err

			return
		}

		// No version string or trust level below 1.33; just end the
		// greeting log stream.
		writeWireUint64To(t, serverConn, uint64(daemon.LogLast))

		done <- nil
	}()

	info, err := daemon.Handshake(clientConn)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0115), info.Version)
	assert.Empty(t, info.DaemonNixVersion)
	assert.Equal(t, daemon.TrustUnknown, info.Trust)

	assert.NoError(t, <-done)
}

func TestHandshakeCurrentServer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)

	go func() {
		defer close(done)

		assert.Equal(t, daemon.ClientMagic, readWireUint64From(t, serverConn))
		assert.Equal(t, daemon.ProtocolVersion, readWireUint64From(t, serverConn))

		writeWireUint64To(t, serverConn, daemon.ServerMagic)
		writeWireUint64To(t, serverConn, daemon.ProtocolVersion)

		// Obsolete flags.
		readWireUint64From(t, serverConn)
		readWireUint64From(t, serverConn)

		// 1.33+ fields: version echo, daemon version string, trust.
		writeWireUint64To(t, serverConn, daemon.ProtocolVersion)
		writeWireStringTo(t, serverConn, "nix (Nix) 2.24.0")
		writeWireUint64To(t, serverConn, uint64(daemon.TrustTrusted))
		writeWireUint64To(t, serverConn, uint64(daemon.LogLast))

		done <- nil
	}()

	info, err := daemon.Handshake(clientConn)
	require.NoError(t, err)
	assert.Equal(t, daemon.ProtocolVersion, info.Version)
	assert.Equal(t, "nix (Nix) 2.24.0", info.DaemonNixVersion)
	assert.Equal(t, daemon.TrustTrusted, info.Trust)

	assert.NoError(t, <-done)
}

func TestHandshakeWrongMagic(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 16)
		io.ReadFull(serverConn, buf) //nolint:errcheck // test peer

		writeWireUint64To(t, serverConn, 0xdeadbeef)
		writeWireUint64To(t, serverConn, daemon.ProtocolVersion)
	}()

	_, err := daemon.Handshake(clientConn)
	assert.ErrorContains(t, err, "server magic")
}

func TestHandshakeMajorMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 16)
		io.ReadFull(serverConn, buf) //nolint:errcheck // test peer

		writeWireUint64To(t, serverConn, daemon.ServerMagic)
		writeWireUint64To(t, serverConn, 0x0225) // major version 2
	}()

	_, err := daemon.Handshake(clientConn)
	assert.ErrorContains(t, err, "major version")
}

func TestHandshakeServerTooOld(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 16)
		io.ReadFull(serverConn, buf) //nolint:errcheck // test peer

		writeWireUint64To(t, serverConn, daemon.ServerMagic)
		writeWireUint64To(t, serverConn, 0x0114) // 1.20, below the window
	}()

	_, err := daemon.Handshake(clientConn)
	assert.ErrorContains(t, err, "older than minimum supported")
}
