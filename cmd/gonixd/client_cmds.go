package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

// connect dials the daemon socket with the configured store directory.
func connect(globals *Globals) (*daemon.Client, error) {
	dir, err := storepath.NewStoreDir(globals.StoreDir)
	if err != nil {
		return nil, err
	}

	return daemon.Connect(globals.Socket, daemon.WithStoreDir(dir))
}

type PingCmd struct{}

func (cmd *PingCmd) Run(globals *Globals) error {
	client, err := connect(globals)
	if err != nil {
		return err
	}
	defer client.Close()

	info := client.Info()
	fmt.Printf("protocol version: %d.%d\n", info.Version>>8, info.Version&0xff)
	fmt.Printf("daemon version:   %s\n", info.DaemonNixVersion)
	fmt.Printf("trust level:      %s\n", info.Trust)

	return nil
}

type PathInfoCmd struct {
	Path string `arg:"" help:"Store path to query"`
}

func (cmd *PathInfoCmd) Run(globals *Globals) error {
	client, err := connect(globals)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.QueryPathInfo(context.Background(), cmd.Path)
	if err != nil {
		return err
	}

	if info == nil {
		return fmt.Errorf("path %s is not valid", cmd.Path)
	}

	fmt.Printf("path:     %s\n", info.StorePath)

	if info.Deriver != "" {
		fmt.Printf("deriver:  %s\n", info.Deriver)
	}

	fmt.Printf("nar hash: sha256:%s\n", info.NarHash)
	fmt.Printf("nar size: %d\n", info.NarSize)

	for _, ref := range info.References {
		fmt.Printf("ref:      %s\n", ref)
	}

	for _, sig := range info.Sigs {
		fmt.Printf("sig:      %s\n", sig)
	}

	if info.CA != "" {
		fmt.Printf("ca:       %s\n", info.CA)
	}

	return nil
}

type CatNarCmd struct {
	Path   string `arg:"" help:"Store path to stream"`
	Output string `short:"o" help:"Output file (stdout when omitted); .xz and .zst outputs are compressed"`
}

func (cmd *CatNarCmd) Run(globals *Globals) error {
	client, err := connect(globals)
	if err != nil {
		return err
	}
	defer client.Close()

	rc, err := client.NarFromPath(context.Background(), cmd.Path)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, closeOut, err := openCompressedOutput(cmd.Output)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		closeOut() //nolint:errcheck // already failing

		return err
	}

	return closeOut()
}

type AddNarCmd struct {
	Path    string `arg:"" help:"Store path being imported"`
	NarFile string `arg:"" help:"NAR file to import; .xz and .zst files are decompressed"`
	NarHash string `help:"Expected base16 sha256 of the archive"`
	Repair  bool   `help:"Repair the path if it already exists"`
}

func (cmd *AddNarCmd) Run(globals *Globals) error {
	client, err := connect(globals)
	if err != nil {
		return err
	}
	defer client.Close()

	src, closeSrc, err := openCompressedInput(cmd.NarFile)
	if err != nil {
		return err
	}
	defer closeSrc()

	info := &daemon.PathInfo{
		StorePath: cmd.Path,
		NarHash:   cmd.NarHash,
	}

	return client.AddToStoreNar(context.Background(), info, src, cmd.Repair, true)
}

type AddBuildLogCmd struct {
	DrvPath string `arg:"" help:"Derivation store path"`
	LogFile string `arg:"" help:"Log file to upload; .xz and .zst files are decompressed"`
}

func (cmd *AddBuildLogCmd) Run(globals *Globals) error {
	client, err := connect(globals)
	if err != nil {
		return err
	}
	defer client.Close()

	src, closeSrc, err := openCompressedInput(cmd.LogFile)
	if err != nil {
		return err
	}
	defer closeSrc()

	return client.AddBuildLog(context.Background(), cmd.DrvPath, src)
}

type ExportCmd struct {
	Paths  []string `arg:"" help:"Store paths to export"`
	Output string   `short:"o" help:"Output file (stdout when omitted); .xz and .zst outputs are compressed"`
}

func (cmd *ExportCmd) Run(globals *Globals) error {
	ctx := context.Background()

	client, err := connect(globals)
	if err != nil {
		return err
	}
	defer client.Close()

	out, closeOut, err := openCompressedOutput(cmd.Output)
	if err != nil {
		return err
	}

	exporter := daemon.NewExporter(out)

	for _, path := range cmd.Paths {
		info, err := client.QueryPathInfo(ctx, path)
		if err != nil {
			closeOut() //nolint:errcheck // already failing

			return err
		}

		if info == nil {
			closeOut() //nolint:errcheck // already failing

			return fmt.Errorf("path %s is not valid", path)
		}

		rc, err := client.NarFromPath(ctx, path)
		if err != nil {
			closeOut() //nolint:errcheck // already failing

			return err
		}

		err = exporter.Export(info, rc)
		rc.Close()

		if err != nil {
			closeOut() //nolint:errcheck // already failing

			return err
		}
	}

	if err := exporter.Close(); err != nil {
		closeOut() //nolint:errcheck // already failing

		return err
	}

	return closeOut()
}

type ImportCmd struct {
	File string `arg:"" help:"Export stream to import; .xz and .zst files are decompressed"`
}

func (cmd *ImportCmd) Run(globals *Globals) error {
	ctx := context.Background()

	client, err := connect(globals)
	if err != nil {
		return err
	}
	defer client.Close()

	src, closeSrc, err := openCompressedInput(cmd.File)
	if err != nil {
		return err
	}
	defer closeSrc()

	return daemon.Import(src, func(info *daemon.PathInfo, narSource io.Reader) error {
		fmt.Fprintf(os.Stderr, "importing %s\n", info.StorePath)

		return client.AddToStoreNar(ctx, info, narSource, false, true)
	})
}

// stdoutOrFile resolves an optional output flag.
func stdoutOrFile(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil
	}

	return os.Create(path)
}

func isStdout(path string) bool {
	return path == "" || path == "-"
}

func hasSuffixFold(s, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(s), suffix)
}
