package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
	"github.com/nix-community/go-nix-daemon/pkg/daemon/memstore"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
	"github.com/nix-community/go-nix-daemon/pkg/store/badgerstore"
)

type ServeCmd struct {
	Listen            string `help:"Unix socket to listen on (defaults to the --socket path)"`
	Backend           string `help:"Store backend" default:"badger" enum:"badger,memory"`
	DBPath            string `help:"Badger database directory (defaults to the XDG data directory)"`
	Untrusted         bool   `help:"Treat connecting clients as untrusted"`
	MetricsListenAddr string `help:"Address for the Prometheus metrics endpoint (disabled when empty)" env:"GONIXD_METRICS_LISTEN_ADDR"`
}

func (cmd *ServeCmd) Run(globals *Globals) error {
	log := globals.Logger()

	dir, err := storepath.NewStoreDir(globals.StoreDir)
	if err != nil {
		return err
	}

	var store daemon.Store

	switch cmd.Backend {
	case "memory":
		store = memstore.New(dir)

	case "badger":
		dbPath := cmd.DBPath
		if dbPath == "" {
			dbPath, err = xdg.DataFile("gonixd/store")
			if err != nil {
				return fmt.Errorf("resolving database directory: %w", err)
			}
		}

		bs, err := badgerstore.Open(dbPath, dir)
		if err != nil {
			return err
		}
		defer bs.Close()

		store = bs

		log.Info("opened store", "backend", "badger", "path", dbPath)
	}

	socket := cmd.Listen
	if socket == "" {
		socket = globals.Socket
	}

	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socket)
	if err != nil {
		return err
	}
	defer listener.Close()

	trust := daemon.TrustTrusted
	if cmd.Untrusted {
		trust = daemon.TrustNotTrusted
	}

	opts := []daemon.ServerOption{
		daemon.WithDaemonVersion("gonixd " + version),
		daemon.WithTrust(trust),
		daemon.WithServerStoreDir(dir),
		daemon.WithSlog(log),
	}

	if cmd.MetricsListenAddr != "" {
		ops := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gonixd_operations_total",
			Help: "Daemon operations dispatched, by operation name.",
		}, []string{"op"})

		registry := prometheus.NewRegistry()
		registry.MustRegister(ops)

		opts = append(opts, daemon.WithOpObserver(func(op daemon.Operation) {
			ops.WithLabelValues(op.String()).Inc()
		}))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		go func() {
			if err := http.ListenAndServe(cmd.MetricsListenAddr, mux); err != nil {
				log.Error("metrics listener failed", "err", err)
			}
		}()

		log.Info("serving metrics", "addr", cmd.MetricsListenAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info("serving daemon protocol", "socket", socket, "store", globals.StoreDir, "trust", trust.String())

	srv := daemon.NewServer(store, opts...)

	err = srv.Serve(ctx, listener)
	if ctx.Err() != nil {
		log.Info("shutting down")

		return nil
	}

	return err
}
