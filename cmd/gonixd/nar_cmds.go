package main

import (
	"encoding/json"
	"os"

	"github.com/nix-community/go-nix-daemon/pkg/nar"
)

type DumpNarCmd struct {
	Path     string `arg:"" help:"File or directory to serialise"`
	Output   string `short:"o" help:"Output file (stdout when omitted); .xz and .zst outputs are compressed"`
	CaseHack bool   `help:"Strip case-hack suffixes from on-disk names"`
}

func (cmd *DumpNarCmd) Run(*Globals) error {
	out, closeOut, err := openCompressedOutput(cmd.Output)
	if err != nil {
		return err
	}

	if err := nar.DumpPath(out, cmd.Path, nar.WithDumpCaseHack(cmd.CaseHack)); err != nil {
		closeOut() //nolint:errcheck // already failing

		return err
	}

	return closeOut()
}

type RestoreNarCmd struct {
	NarFile  string `arg:"" help:"NAR file to unpack; .xz and .zst files are decompressed"`
	Target   string `arg:"" help:"Target path to create"`
	CaseHack bool   `help:"Rename case-colliding entries with the case-hack suffix"`
}

func (cmd *RestoreNarCmd) Run(*Globals) error {
	src, closeSrc, err := openCompressedInput(cmd.NarFile)
	if err != nil {
		return err
	}
	defer closeSrc()

	return nar.Restore(src, cmd.Target, nar.WithRestoreCaseHack(cmd.CaseHack))
}

type ListNarCmd struct {
	NarFile string `arg:"" help:"NAR file to list; .xz and .zst files are decompressed"`
}

func (cmd *ListNarCmd) Run(*Globals) error {
	src, closeSrc, err := openCompressedInput(cmd.NarFile)
	if err != nil {
		return err
	}
	defer closeSrc()

	listing, err := nar.List(src)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(listing)
}
