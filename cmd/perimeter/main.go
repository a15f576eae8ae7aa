// Command perimeter runs the intrusion decision engine as a service.
// Detection batches arrive as JSON datagrams over UDP (one FrameBatch per
// packet), alert transitions are logged and persisted to sqlite, and
// engine counters are served on the metrics address.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stillwater-systems/perimeter/internal/alerts"
	"github.com/stillwater-systems/perimeter/internal/config"
	"github.com/stillwater-systems/perimeter/internal/detect"
	"github.com/stillwater-systems/perimeter/internal/metrics"
	"github.com/stillwater-systems/perimeter/internal/pipeline"
	"github.com/stillwater-systems/perimeter/internal/storage/sqlite"
	"github.com/stillwater-systems/perimeter/internal/version"
	"github.com/stillwater-systems/perimeter/internal/zones"
)

var (
	zonesPath   = flag.String("zones", "zones.json", "Zone definition file")
	tuningPath  = flag.String("tuning", "", "Optional tuning config JSON (defaults apply when empty)")
	dbPath      = flag.String("db", "alerts.db", "Alert database path")
	listenAddr  = flag.String("listen", ":6512", "UDP listen address for detection batches")
	metricsAddr = flag.String("metrics", ":9091", "HTTP listen address for metrics")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const maxDatagramBytes = 256 * 1024

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("perimeter %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := &config.TuningConfig{}
	if *tuningPath != "" {
		loaded, err := config.LoadTuningConfig(*tuningPath)
		if err != nil {
			log.Fatalf("tuning config: %v", err)
		}
		cfg = loaded
	}

	registry, err := zones.LoadFile(*zonesPath)
	if err != nil {
		log.Fatalf("zone config: %v", err)
	}
	log.Printf("loaded %d zones from %s", len(registry.Zones()), *zonesPath)

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("alert store: %v", err)
	}
	defer store.Close()

	// A previous unclean shutdown can leave episodes open; close them so
	// the guarantee that every opened Alert closes survives restarts.
	if n, err := store.CloseAllOpen(time.Now()); err != nil {
		log.Printf("alert store: closing stale alerts: %v", err)
	} else if n > 0 {
		log.Printf("alert store: closed %d stale alerts from previous run", n)
	}

	m := metrics.New()
	logSink := alerts.SinkFunc(func(t alerts.Transition) {
		zone := t.ZoneID
		if zone == "" {
			zone = "-"
		}
		log.Printf("alert: track %s %s -> %s (zone %s, score %.2f)",
			t.TrackID, t.Previous, t.New, zone, t.Score)
	})

	engine := pipeline.New(cfg, registry, m, logSink, store)

	go func() {
		log.Printf("metrics on %s", *metricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// SIGHUP reloads the zone set; an invalid file keeps the current set.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := registry.ReloadFile(*zonesPath); err != nil {
				log.Printf("zone reload refused: %v", err)
			} else {
				log.Printf("reloaded %d zones", len(registry.Zones()))
			}
		}
	}()

	batches := make(chan detect.FrameBatch, 256)
	go listenUDP(ctx, *listenAddr, batches)

	log.Printf("perimeter engine listening on %s", *listenAddr)
	engine.Run(ctx, batches)
	log.Printf("pipeline stopped, open alerts flushed")
}

// listenUDP decodes one FrameBatch JSON document per datagram. Malformed
// packets are logged and skipped; a full pipeline channel drops the
// incoming frame (the engine's own buffer handles reordering).
func listenUDP(ctx context.Context, addr string, out chan<- detect.FrameBatch) {
	defer close(out)

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Printf("udp listen: %v", err)
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Printf("udp listen: %v", err)
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("udp read: %v", err)
			continue
		}
		var batch detect.FrameBatch
		if err := json.Unmarshal(buf[:n], &batch); err != nil {
			log.Printf("udp: bad batch: %v", err)
			continue
		}
		select {
		case out <- batch:
		default:
			log.Printf("udp: pipeline busy, dropping frame from sensor %s", batch.SensorID)
		}
	}
}
