package nar_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/nar"
)

func TestListing(t *testing.T) {
	raw := writeTree(t, []treeNode{
		{header: nar.Header{Path: "/", Type: nar.TypeDirectory}},
		{header: nar.Header{Path: "/bin", Type: nar.TypeDirectory}},
		{header: nar.Header{Path: "/bin/hello", Type: nar.TypeRegular, Size: 5, Executable: true}, content: "hello"},
		{header: nar.Header{Path: "/link", Type: nar.TypeSymlink, LinkTarget: "bin/hello"}},
	})

	listing, err := nar.List(bytes.NewReader(raw))
	require.NoError(t, err)

	got, err := json.Marshal(listing)
	require.NoError(t, err)

	hello := listing.Root.Entries["bin"].Entries["hello"]
	require.NotNil(t, hello.NarOffset)

	want := `{
		"version": 1,
		"root": {
			"type": "directory",
			"entries": {
				"bin": {
					"type": "directory",
					"entries": {
						"hello": {
							"type": "regular",
							"size": 5,
							"executable": true,
							"narOffset": ` + jsonInt(*hello.NarOffset) + `
						}
					}
				},
				"link": {
					"type": "symlink",
					"target": "bin/hello"
				}
			}
		}
	}`

	opts := jsondiff.DefaultConsoleOptions()
	diff, report := jsondiff.Compare(got, []byte(want), &opts)
	assert.Equal(t, jsondiff.FullMatch, diff, report)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)

	return string(b)
}

func TestListingOffsetPointsAtContent(t *testing.T) {
	raw := writeTree(t, []treeNode{
		{header: nar.Header{Path: "/", Type: nar.TypeRegular, Size: 5}, content: "hello"},
	})

	listing, err := nar.List(bytes.NewReader(raw))
	require.NoError(t, err)

	require.NotNil(t, listing.Root.NarOffset)
	offset := *listing.Root.NarOffset
	assert.Equal(t, "hello", string(raw[offset:offset+5]))
}

func TestListingSingleSymlink(t *testing.T) {
	raw := writeTree(t, []treeNode{
		{header: nar.Header{Path: "/", Type: nar.TypeSymlink, LinkTarget: "/nix/store"}},
	})

	listing, err := nar.List(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "symlink", listing.Root.Type)
	assert.Equal(t, "/nix/store", *listing.Root.Target)
	assert.Nil(t, listing.Root.Entries)
}
