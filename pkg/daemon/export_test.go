package daemon_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/nar"
)

func buildTestNar(t *testing.T, content string) []byte {
	t.Helper()

	var buf bytes.Buffer

	nw, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, nw.WriteHeader(&nar.Header{
		Path: "/", Type: nar.TypeRegular, Size: int64(len(content)),
	}))

	_, err = io.WriteString(nw, content)
	require.NoError(t, err)
	require.NoError(t, nw.Close())

	return buf.Bytes()
}

func TestExportImportRoundTrip(t *testing.T) {
	narA := buildTestNar(t, "alpha")
	narB := buildTestNar(t, "beta")

	infoA := &daemon.PathInfo{
		StorePath:  "/nix/store/00000000000000000000000000000000-a",
		References: []string{"/nix/store/11111111111111111111111111111111-b"},
		Deriver:    "/nix/store/22222222222222222222222222222222-a.drv",
	}
	infoB := &daemon.PathInfo{
		StorePath: "/nix/store/11111111111111111111111111111111-b",
	}

	var buf bytes.Buffer

	e := daemon.NewExporter(&buf)
	require.NoError(t, e.Export(infoA, bytes.NewReader(narA)))
	require.NoError(t, e.Export(infoB, bytes.NewReader(narB)))
	require.NoError(t, e.Close())

	var (
		infos []daemon.PathInfo
		nars  [][]byte
	)

	err := daemon.Import(&buf, func(info *daemon.PathInfo, narSource io.Reader) error {
		data, err := io.ReadAll(narSource)
		if err != nil {
			return err
		}

		infos = append(infos, *info)
		nars = append(nars, data)

		return nil
	})
	require.NoError(t, err)

	require.Len(t, infos, 2)
	assert.Equal(t, infoA.StorePath, infos[0].StorePath)
	assert.Equal(t, infoA.References, infos[0].References)
	assert.Equal(t, infoA.Deriver, infos[0].Deriver)
	assert.Equal(t, narA, nars[0])
	assert.Equal(t, infoB.StorePath, infos[1].StorePath)
	assert.Equal(t, narB, nars[1])
}

func TestImportRejectsBadMagic(t *testing.T) {
	narA := buildTestNar(t, "alpha")

	var buf bytes.Buffer
	writeTestUint64(&buf, 1)
	buf.Write(narA)
	writeTestUint64(&buf, 0x12345678) // wrong trailer magic

	err := daemon.Import(&buf, func(*daemon.PathInfo, io.Reader) error { return nil })
	assert.ErrorContains(t, err, "export magic")
}

func TestExporterCloseIdempotent(t *testing.T) {
	var buf bytes.Buffer

	e := daemon.NewExporter(&buf)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 8, buf.Len())

	err := e.Export(&daemon.PathInfo{}, bytes.NewReader(buildTestNar(t, "x")))
	assert.ErrorContains(t, err, "already closed")
}
