package daemon_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
)

func TestFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	fw := daemon.NewFramedWriter(&buf)
	_, err := io.WriteString(fw, "hello framed world")
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	fr := daemon.NewFramedReader(&buf)
	got, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Equal(t, "hello framed world", string(got))
}

func TestFramedLargePayload(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 8192) // 128 KiB, several frames

	var buf bytes.Buffer

	fw := daemon.NewFramedWriter(&buf)
	_, err := io.WriteString(fw, payload)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	fr := daemon.NewFramedReader(&buf)
	got, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestFramedEmptyStream(t *testing.T) {
	var buf bytes.Buffer

	fw := daemon.NewFramedWriter(&buf)
	require.NoError(t, fw.Close())

	// Only the zero-length terminator.
	assert.Equal(t, 8, buf.Len())

	fr := daemon.NewFramedReader(&buf)
	got, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFramedWriterRejectsWriteAfterClose(t *testing.T) {
	var buf bytes.Buffer

	fw := daemon.NewFramedWriter(&buf)
	require.NoError(t, fw.Close())

	_, err := fw.Write([]byte("late"))
	assert.Error(t, err)
}

func TestFramedReaderCount(t *testing.T) {
	var buf bytes.Buffer

	fw := daemon.NewFramedWriterSize(&buf, 4)
	_, err := io.WriteString(fw, "0123456789") // three frames
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	fr := daemon.NewFramedReader(&buf)
	got, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
	assert.Equal(t, uint64(10), fr.Count())
}

func TestFramedReaderRejectsBadPadding(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, 3)
	buf.WriteString("abc")
	buf.Write([]byte{0, 0xff, 0, 0, 0}) // corrupt padding
	writeTestUint64(&buf, 0)

	fr := daemon.NewFramedReader(&buf)
	_, err := io.ReadAll(fr)
	assert.ErrorContains(t, err, "invalid padding")
}
