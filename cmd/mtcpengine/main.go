// Command mtcpengine is the composition root: it loads client.conf, builds
// the Prometheus registry and metric set, and boots one engine.Worker per
// configured worker, each bound to the interfaces' listen_tcp ports. The raw
// packet I/O layer is an external collaborator (§1 of the distilled spec);
// this binary wires PacketSink to a stub that logs and drops, the same way
// ccapp's main.go wires a VM's netBackend but leaves NIC polling to the
// hypervisor layer underneath it.
package main

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/mtcpengine/internal/config"
	"github.com/tinyrange/mtcpengine/internal/engine"
	"github.com/tinyrange/mtcpengine/internal/flow"
	"github.com/tinyrange/mtcpengine/internal/flowtable"
	"github.com/tinyrange/mtcpengine/internal/metrics"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mtcpengine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "client.conf", "path to the engine's YAML configuration")
	debugLog := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debugLog {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	log.Info("mtcpengine: configuration loaded", "path", *configPath, "workers", cfg.Workers)

	reg := prometheus.NewRegistry()
	mset := metrics.NewSet(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var g errgroup.Group

	if cfg.MetricsListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListenAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("mtcpengine: metrics listening", "addr", cfg.MetricsListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var secondarySrc [4]byte
	hasSecondarySrc := false
	if cfg.SecondarySourceIP != "" {
		if ip := net.ParseIP(cfg.SecondarySourceIP).To4(); ip != nil {
			secondarySrc = [4]byte(ip)
			hasSecondarySrc = true
		}
	}

	for i := 0; i < cfg.Workers; i++ {
		id := i
		w := engine.NewWorker(engine.Config{
			ID:                id,
			Logger:            log.With("worker", id),
			Sink:              stubSink{log: log},
			ISN:               newRandomISN(),
			Metrics:           mset,
			SecondarySourceIP: secondarySrc,
			HasSecondarySrc:   hasSecondarySrc,
			EnableSACK:        cfg.EnableSACK,
			EnableTimestamps:  cfg.EnableTimestamps,
		})
		for _, iface := range cfg.Interfaces {
			for _, port := range iface.ListenTCP {
				w.Bind(flowtable.Listener{AnyIP: true, LocalPort: uint16(port)})
			}
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stubSink is the packet I/O placeholder: it never produces inbound packets
// (RecvPacket blocks on ctx) and logs outbound segments instead of writing
// them to a NIC. A real deployment replaces this with a raw-socket, AF_XDP,
// or virtio-net backed PacketSink; that glue is deliberately out of scope
// here (§1).
type stubSink struct {
	log *slog.Logger
}

func (s stubSink) RecvPacket(ctx context.Context) (engine.InboundPacket, error) {
	<-ctx.Done()
	return engine.InboundPacket{}, ctx.Err()
}

func (s stubSink) SendPacket(tuple flow.FourTuple, seg flow.OutSegment) error {
	s.log.Debug("mtcpengine: would send segment", "tuple", tuple, "seq", seg.Seq, "flags", seg.Flags)
	return nil
}

// randomISN draws initial sequence numbers and MPTCP keys from crypto/rand,
// matching netstack.go's cryptoRand-seeded randomness (§4.1, §4.2).
type randomISN struct{}

func newRandomISN() randomISN { return randomISN{} }

func (randomISN) NextISN() seqnum.Value {
	var b [4]byte
	if _, err := cryptoRand.Read(b[:]); err != nil {
		return seqnum.Value(0)
	}
	return seqnum.Value(binary.BigEndian.Uint32(b[:]))
}

func (randomISN) NextKey() uint64 {
	var b [8]byte
	if _, err := cryptoRand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}
