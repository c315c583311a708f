package daemon_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/wire"
)

func writeTestUint64(w io.Writer, v uint64) {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:]) //nolint:errcheck // test helper
}

func writeTestString(w io.Writer, s string) {
	writeTestUint64(w, uint64(len(s)))
	io.WriteString(w, s) //nolint:errcheck // test helper

	if pad := (8 - len(s)%8) % 8; pad != 0 {
		w.Write(make([]byte, pad)) //nolint:errcheck // test helper
	}
}

func TestWriteReadStrings(t *testing.T) {
	var buf bytes.Buffer
	err := daemon.WriteStrings(&buf, []string{"foo", "bar", "baz"})
	assert.NoError(t, err)
	result, err := daemon.ReadStrings(&buf, daemon.MaxStringSize)
	assert.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar", "baz"}, result)
}

func TestWriteReadStringsEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := daemon.WriteStrings(&buf, []string{})
	assert.NoError(t, err)
	result, err := daemon.ReadStrings(&buf, daemon.MaxStringSize)
	assert.NoError(t, err)
	assert.Empty(t, result)
}

func TestWriteReadStringMap(t *testing.T) {
	var buf bytes.Buffer
	m := map[string]string{"a": "1", "b": "2"}
	err := daemon.WriteStringMap(&buf, m)
	assert.NoError(t, err)
	result, err := daemon.ReadStringMap(&buf, daemon.MaxStringSize)
	assert.NoError(t, err)
	assert.Equal(t, m, result)
}

func TestStringMapWrittenSorted(t *testing.T) {
	var buf bytes.Buffer
	err := daemon.WriteStringMap(&buf, map[string]string{"zz": "2", "aa": "1"})
	require.NoError(t, err)

	count, err := wire.ReadUint64(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	first, err := wire.ReadString(&buf, daemon.MaxStringSize)
	require.NoError(t, err)
	assert.Equal(t, "aa", first)
}

func TestReadPathInfo(t *testing.T) {
	var buf bytes.Buffer
	writeTestString(&buf, "/nix/store/abc-foo.drv")               // deriver
	writeTestString(&buf, "sha256:abcdef1234567890")              // narHash
	writeTestUint64(&buf, 1)                                      // references count
	writeTestString(&buf, "/nix/store/def-bar")                   // reference
	writeTestUint64(&buf, 1700000000)                             // registrationTime
	writeTestUint64(&buf, 12345)                                  // narSize
	writeTestUint64(&buf, 1)                                      // ultimate = true
	writeTestUint64(&buf, 1)                                      // sigs count
	writeTestString(&buf, "cache.example.com-1:abc123sig")        // signature
	writeTestString(&buf, "")                                     // contentAddress

	info, err := daemon.ReadPathInfo(&buf, "/nix/store/xyz-test")
	assert.NoError(t, err)
	assert.Equal(t, "/nix/store/xyz-test", info.StorePath)
	assert.Equal(t, "/nix/store/abc-foo.drv", info.Deriver)
	assert.Equal(t, "sha256:abcdef1234567890", info.NarHash)
	assert.Equal(t, []string{"/nix/store/def-bar"}, info.References)
	assert.Equal(t, uint64(12345), info.NarSize)
	assert.True(t, info.Ultimate)
	assert.Equal(t, []string{"cache.example.com-1:abc123sig"}, info.Sigs)
}

func TestWriteReadPathInfoRoundTrip(t *testing.T) {
	info := &daemon.PathInfo{
		StorePath:        "/nix/store/xyz-test",
		Deriver:          "/nix/store/abc-foo.drv",
		NarHash:          "abcdef",
		References:       []string{"/nix/store/def-bar"},
		RegistrationTime: 1700000000,
		NarSize:          54321,
		Ultimate:         true,
		Sigs:             []string{"sig1"},
		CA:               "",
	}

	var buf bytes.Buffer
	err := daemon.WritePathInfo(&buf, info)
	assert.NoError(t, err)

	got, err := daemon.ReadValidPathInfo(&buf)
	assert.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestBasicDerivationRoundTrip(t *testing.T) {
	drv := &daemon.BasicDerivation{
		Outputs: map[string]daemon.DerivationOutput{
			"out": {Path: "/nix/store/abc-foo"},
			"dev": {HashAlgorithm: "r:sha256", Hash: "00ff"},
		},
		Inputs:   []string{"/nix/store/def-src"},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Args:     []string{"-c", "true"},
		Env:      map[string]string{"PATH": "/bin", "out": "/nix/store/abc-foo"},
	}

	var buf bytes.Buffer
	require.NoError(t, daemon.WriteBasicDerivation(&buf, drv))

	got, err := daemon.ReadBasicDerivation(&buf)
	require.NoError(t, err)
	assert.Equal(t, drv, got)
}

func TestDerivationOutputsWrittenSorted(t *testing.T) {
	drv := &daemon.BasicDerivation{
		Outputs: map[string]daemon.DerivationOutput{
			"out": {},
			"bin": {},
		},
		Env: map[string]string{},
	}

	var buf bytes.Buffer
	require.NoError(t, daemon.WriteBasicDerivation(&buf, drv))

	count, err := wire.ReadUint64(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	first, err := wire.ReadString(&buf, daemon.MaxStringSize)
	require.NoError(t, err)
	assert.Equal(t, "bin", first)
}

func TestBuildResultRoundTrip(t *testing.T) {
	br := &daemon.BuildResult{
		Status:     daemon.BuildStatusBuilt,
		TimesBuilt: 1,
		StartTime:  1700000000,
		StopTime:   1700000060,
		BuiltOutputs: map[string]daemon.Realisation{
			"out": {
				ID:      "sha256:0000!out",
				OutPath: "/nix/store/abc-foo",
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, daemon.WriteBuildResult(&buf, br))

	got, err := daemon.ReadBuildResult(&buf)
	require.NoError(t, err)
	assert.Equal(t, br, got)
}

func TestReadBuildResultNoOutputs(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, 3)              // status = PermanentFailure
	writeTestString(&buf, "build failed") // errorMsg
	writeTestUint64(&buf, 0)              // timesBuilt
	writeTestUint64(&buf, 0)              // isNonDeterministic
	writeTestUint64(&buf, 0)              // startTime
	writeTestUint64(&buf, 0)              // stopTime
	writeTestUint64(&buf, 0)              // builtOutputs count

	result, err := daemon.ReadBuildResult(&buf)
	require.NoError(t, err)
	assert.Equal(t, daemon.BuildStatusPermanentFailure, result.Status)
	assert.Equal(t, "build failed", result.ErrorMsg)
	assert.False(t, result.Status.Success())
	assert.Empty(t, result.BuiltOutputs)
}

func TestRealisationJSONRoundTrip(t *testing.T) {
	r := daemon.Realisation{
		ID:         "sha256:aaaa!out",
		OutPath:    "/nix/store/abc-foo",
		Signatures: []string{"k1:sig"},
		DependentRealisations: map[string]string{
			"sha256:bbbb!out": "/nix/store/def-bar",
		},
	}

	raw, err := daemon.MarshalRealisation(r)
	require.NoError(t, err)
	assert.Contains(t, raw, `"id":"sha256:aaaa!out"`)
	assert.Contains(t, raw, `"outPath":"/nix/store/abc-foo"`)

	got, err := daemon.UnmarshalRealisation(raw)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestReadGCOptions(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, 2) // action = DeleteDead
	writeTestUint64(&buf, 1) // paths count
	writeTestString(&buf, "/nix/store/abc-dead")
	writeTestUint64(&buf, 1)   // ignoreLiveness
	writeTestUint64(&buf, 999) // maxFreed
	writeTestUint64(&buf, 0)   // obsolete
	writeTestUint64(&buf, 0)   // obsolete
	writeTestUint64(&buf, 0)   // obsolete

	options, err := daemon.ReadGCOptions(&buf)
	require.NoError(t, err)
	assert.Equal(t, daemon.GCDeleteDead, options.Action)
	assert.Equal(t, []string{"/nix/store/abc-dead"}, options.PathsToDelete)
	assert.True(t, options.IgnoreLiveness)
	assert.Equal(t, uint64(999), options.MaxFreed)
	assert.Zero(t, buf.Len())
}

func TestWriteMissingInfo(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, daemon.WriteMissingInfo(&buf, &daemon.MissingInfo{
		WillBuild:    []string{"/nix/store/abc-a"},
		Unknown:      []string{"/nix/store/def-b"},
		DownloadSize: 10,
		NarSize:      20,
	}))

	willBuild, err := daemon.ReadStrings(&buf, daemon.MaxStringSize)
	require.NoError(t, err)
	assert.Equal(t, []string{"/nix/store/abc-a"}, willBuild)

	willSubstitute, err := daemon.ReadStrings(&buf, daemon.MaxStringSize)
	require.NoError(t, err)
	assert.Empty(t, willSubstitute)
}
