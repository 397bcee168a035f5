// Command sdrmacd wires the frame buffer, port switch, carrier sense and
// both MAC protocols into one running node, selecting whichever protocol
// the configuration enables and exposing Prometheus metrics, MQTT
// telemetry and a live websocket status feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cwsl/sdrmac/internal/carriersense"
	"github.com/cwsl/sdrmac/internal/csmaca"
	"github.com/cwsl/sdrmac/internal/framebuffer"
	"github.com/cwsl/sdrmac/internal/macconfig"
	"github.com/cwsl/sdrmac/internal/macframe"
	"github.com/cwsl/sdrmac/internal/macmetrics"
	"github.com/cwsl/sdrmac/internal/portswitch"
	"github.com/cwsl/sdrmac/internal/statuspanel"
	"github.com/cwsl/sdrmac/internal/tdma"
	"github.com/cwsl/sdrmac/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "sdrmac.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := macconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("sdrmacd: %v", err)
	}

	logger := log.New(os.Stderr, "sdrmacd: ", log.LstdFlags)

	selfAddr, err := parseAddr(cfg.Node.MAC)
	if err != nil {
		log.Fatalf("sdrmacd: invalid node.mac: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := macmetrics.New(registry)

	var bufOpts []framebuffer.Option
	bufOpts = append(bufOpts, framebuffer.WithLogger(logger))
	if cfg.Buffer.ARPPath != "" {
		bufOpts = append(bufOpts, framebuffer.WithARP(cfg.Buffer.ARPPath))
	}

	sw := portswitch.New()
	defer sw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pub *telemetry.Publisher
	if cfg.MQTT.Enabled {
		p, err := telemetry.NewPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, logger)
		if err != nil {
			logger.Printf("telemetry disabled: %v", err)
		} else {
			defer p.Close()
			p.Publish("node", selfAddr.String(), "started", "")
			pub = p
		}
	}

	var csmaMAC *csmaca.MAC
	var tdmaMAC *tdma.MAC

	if cfg.CSMA.Enabled {
		buf := framebuffer.New(cfg.Buffer.Capacity, append(bufOpts, framebuffer.WithMetrics(metrics, "csma"))...)
		buf.SelectPort(0)
		cs := carriersense.New(cfg.CarrierSense.NumSamples, cfg.CarrierSense.GainDB)

		csmaMAC = csmaca.New(csmaca.Config{
			SrcAddr:      selfAddr,
			SlotTime:     time.Duration(cfg.CSMA.SlotTimeUS) * time.Microsecond,
			SIFS:         time.Duration(cfg.CSMA.SIFSUS) * time.Microsecond,
			DIFS:         time.Duration(cfg.CSMA.DIFSUS) * time.Microsecond,
			Alpha:        cfg.CSMA.Alpha,
			ThresholdDBm: cfg.CSMA.ThresholdDBm,
			Telemetry:    pub,
			Logger:       debugLogger(logger, cfg.CSMA.Debug),
		}, buf, 0, cs, metrics, sw.In(0), make(chan macframe.Frame), make(chan macframe.Frame, 16))
		csmaMAC.Run(ctx)
	}

	if cfg.TDMA.Enabled {
		buf := framebuffer.New(cfg.Buffer.Capacity, append(bufOpts, framebuffer.WithMetrics(metrics, "tdma"))...)
		buf.SelectPort(1)
		cs := carriersense.New(cfg.CarrierSense.NumSamples, cfg.CarrierSense.GainDB)

		role := tdma.Follower
		if cfg.TDMA.IsCoordinator {
			role = tdma.Coordinator
		}
		tdmaMAC = tdma.New(tdma.Config{
			SrcAddr:       selfAddr,
			Role:          role,
			SlotTime:      time.Duration(cfg.TDMA.SlotTimeUS) * time.Microsecond,
			SyncInterval:  time.Duration(cfg.TDMA.SyncIntervalUS) * time.Microsecond,
			AllocInterval: time.Duration(cfg.TDMA.AllocIntervalUS) * time.Microsecond,
			CommInterval:  time.Duration(cfg.TDMA.CommIntervalUS) * time.Microsecond,
			GuardTime:     time.Duration(cfg.TDMA.GuardTimeUS) * time.Microsecond,
			PHYDelay:      time.Duration(cfg.TDMA.PHYDelayUS) * time.Microsecond,
			Alpha:         cfg.TDMA.Alpha,
			ThresholdDBm:  cfg.TDMA.ThresholdDBm,
			Telemetry:     pub,
			Logger:        debugLogger(logger, cfg.TDMA.Debug),
		}, buf, 1, cs, metrics, sw.In(1), make(chan macframe.Frame), make(chan macframe.Frame, 16))
		tdmaMAC.Run(ctx)
	}

	sw.Select(cfg.ActivePort)

	if cfg.Prometheus.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Prometheus.Listen, mux); err != nil {
				logger.Printf("prometheus listener stopped: %v", err)
			}
		}()
	}

	if cfg.Status.Enabled {
		hub := statuspanel.NewHub(logger)
		go func() {
			if err := http.ListenAndServe(cfg.Status.Listen, http.HandlerFunc(hub.Handler)); err != nil {
				logger.Printf("status listener stopped: %v", err)
			}
		}()
		go statusLoop(ctx, hub, sw, csmaMAC, tdmaMAC)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")
}

// statusInterval is how often a status snapshot is broadcast to connected
// websocket clients.
const statusInterval = time.Second

// statusLoop periodically builds a statuspanel.Snapshot from the switch's
// current selection and each enabled MAC's counters, and broadcasts it.
// Either mac pointer may be nil if that protocol is disabled.
func statusLoop(ctx context.Context, hub *statuspanel.Hub, sw *portswitch.Switch, csmaMAC *csmaca.MAC, tdmaMAC *tdma.MAC) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := statuspanel.Snapshot{SelectedPort: sw.Selected()}
			if csmaMAC != nil {
				s := csmaMAC.Stats()
				snap.CSMA = statuspanel.ProtocolStatus{
					ContentionWindow: s.ContentionWindow,
					FramesAcked:      s.FramesAcked,
					FramesDropped:    s.FramesDropped,
				}
			}
			if tdmaMAC != nil {
				s := tdmaMAC.Stats()
				snap.TDMA = statuspanel.ProtocolStatus{
					FramesAcked:   s.FramesAcked,
					FramesDropped: s.FramesDropped,
				}
			}
			hub.Broadcast(snap)
		case <-ctx.Done():
			return
		}
	}
}

func debugLogger(l *log.Logger, debug bool) *log.Logger {
	if debug {
		return l
	}
	return nil
}

func parseAddr(s string) (macframe.Addr, error) {
	var a macframe.Addr
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("malformed MAC address: %q", s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("malformed MAC address: %q", s)
		}
		a[i] = byte(n)
	}
	return a, nil
}
