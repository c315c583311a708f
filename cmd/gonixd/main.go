// Command gonixd talks the Nix daemon protocol from the command line:
// it can query and stream paths from a running daemon, pack and unpack
// NAR archives, and serve the protocol itself from an embedded store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
)

var version = "dev"

// Globals are the flags shared by every subcommand.
type Globals struct {
	Socket   string `help:"Path to the daemon socket" default:"/nix/var/nix/daemon-socket/socket" env:"GONIXD_SOCKET"`
	StoreDir string `help:"Nix store directory" default:"/nix/store" env:"GONIXD_STORE_DIR"`
	Verbose  bool   `short:"v" help:"Enable debug logging"`
}

// Logger builds the process logger from the verbosity flag.
func (g *Globals) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

type CLI struct {
	Globals

	Version     VersionCmd     `cmd:"" help:"Show version information"`
	Ping        PingCmd        `cmd:"" help:"Handshake with the daemon and print its details"`
	PathInfo    PathInfoCmd    `cmd:"" help:"Query metadata for a store path"`
	CatNar      CatNarCmd      `cmd:"" help:"Stream the NAR serialisation of a store path to a file or stdout"`
	DumpNar     DumpNarCmd     `cmd:"" help:"Serialise a local directory tree as a NAR"`
	RestoreNar  RestoreNarCmd  `cmd:"" help:"Unpack a NAR archive into a directory"`
	ListNar     ListNarCmd     `cmd:"" help:"Print the JSON listing of a NAR archive"`
	AddNar      AddNarCmd      `cmd:"" help:"Import a NAR archive into the store"`
	AddBuildLog AddBuildLogCmd `cmd:"" help:"Upload a build log for a derivation"`
	Export      ExportCmd      `cmd:"" help:"Export store paths in the legacy export framing"`
	Import      ImportCmd      `cmd:"" help:"Import a legacy export stream into the store"`
	Serve       ServeCmd       `cmd:"" help:"Serve the daemon protocol from an embedded store"`
}

type VersionCmd struct{}

func (cmd *VersionCmd) Run(*Globals) error {
	fmt.Println(version)

	return nil
}

func main() {
	cli := CLI{}

	ctx := kong.Parse(&cli,
		kong.Name("gonixd"),
		kong.Description("Nix daemon protocol client and server."),
		kong.UsageOnError(),
	)

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
