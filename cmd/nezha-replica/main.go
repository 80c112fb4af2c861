// Command nezha-replica boots a single Nezha replica process: load config,
// wire logging/metrics/transport, construct the engine, and run it until
// signaled.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dqian3/Nezha/config"
	"github.com/dqian3/Nezha/logutil"
	"github.com/dqian3/Nezha/metrics"
	"github.com/dqian3/Nezha/nezha"
	"github.com/dqian3/Nezha/nezha/testapp"
	"github.com/dqian3/Nezha/transport"
)

func main() {
	app := &cli.App{
		Name:  "nezha-replica",
		Usage: "run a Nezha deadline-ordered replication replica",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to replica YAML config"},
			&cli.BoolFlag{Name: "recover", Usage: "start in RECOVERING status and run the crash-vector recovery handshake"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	level, _ := logutil.ParseLevel(cfg.LogLevel)
	handler := logutil.NewTerminalHandler(os.Stderr, level)
	if cfg.LogFile != "" {
		handler = logutil.NewFileHandler(cfg.LogFile, 100, 5, 28, level)
	}
	logutil.SetDefault(logutil.NewWithHandler(handler))
	log := logutil.New("replicaId", cfg.ReplicaID)
	log.Info("starting replica", cfg.LogFields()...)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.ReplicaID)

	peerAddrs, err := resolvePeerAddrs(cfg)
	if err != nil {
		return err
	}

	peerEp, err := transport.NewUDPEndpoint(cfg.ReplicaIPs[cfg.ReplicaID])
	if err != nil {
		return err
	}
	clientEp, err := transport.NewUDPEndpoint(clientListenAddr(cfg.ReplicaIPs[cfg.ReplicaID]))
	if err != nil {
		return err
	}

	netw := &nezha.Network{Client: clientEp, Peer: peerEp, PeerAddrs: peerAddrs}
	replica := nezha.New(cfg, testapp.New(), netw, log, m, c.Bool("recover"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The replica and its metrics server are two independent goroutines that
	// must both wind down together on shutdown; errgroup gives us that join
	// plus first-error propagation instead of a bare `go` and a WaitGroup.
	group, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg)}
		group.Go(func() error { return runMetricsServer(srv, log) })
		group.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	group.Go(func() error {
		replica.Run(gctx)
		return nil
	})
	return group.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func runMetricsServer(srv *http.Server, log logutil.Logger) error {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server stopped", "err", err)
		return err
	}
	return nil
}

// clientListenAddr picks a distinct ephemeral port on the same host as the
// peer socket, so the two sockets never collide.
func clientListenAddr(peerAddr string) string {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return peerAddr
	}
	return net.JoinHostPort(host, "0")
}

func resolvePeerAddrs(cfg *config.Config) ([]transport.Addr, error) {
	out := make([]transport.Addr, len(cfg.ReplicaIPs))
	for i, ip := range cfg.ReplicaIPs {
		a, err := net.ResolveUDPAddr("udp", ip)
		if err != nil {
			return nil, fmt.Errorf("resolve peer %d (%s): %w", i, ip, err)
		}
		out[i] = a
	}
	return out, nil
}
