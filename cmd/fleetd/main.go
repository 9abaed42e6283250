// Command fleetd is the device-fleet command scheduler daemon: it wires
// the device manager, command queue, recovery wrapper, and remote
// control surface into one running process.
//
// No real debug-bridge or fastboot transport is implemented here, so
// fleetd wires internal/bridge/fake's deterministic fake as the
// transport. The helpers below take the fake's concrete *fake.Bridge
// and *fake.Fastboot types, and the availability probe handed to the
// recovery policy is fake.AvailabilityProbe.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	devicefleet "github.com/ehrlich-b/devicefleet"
	"github.com/ehrlich-b/devicefleet/internal/bridge"
	"github.com/ehrlich-b/devicefleet/internal/bridge/fake"
	"github.com/ehrlich-b/devicefleet/internal/command"
	"github.com/ehrlich-b/devicefleet/internal/device"
	"github.com/ehrlich-b/devicefleet/internal/logging"
	"github.com/ehrlich-b/devicefleet/internal/operr"
	"github.com/ehrlich-b/devicefleet/internal/opqueue"
	"github.com/ehrlich-b/devicefleet/internal/recovery"
	"github.com/ehrlich-b/devicefleet/internal/recovery/refpolicy"
	"github.com/ehrlich-b/devicefleet/internal/remotectl"
	"github.com/ehrlich-b/devicefleet/internal/scheduler"
)

func main() {
	var (
		remoteAddr   = flag.String("remote-addr", "127.0.0.1:0", "listen address for the remote control surface")
		metricsAddr  = flag.String("metrics-addr", "", "listen address for Prometheus /metrics (empty disables)")
		retryBudget  = flag.Int("retry-budget", 3, "number of retries after a command's first attempt before DEVICE_UNRESPONSIVE")
		fastbootPoll = flag.Duration("fastboot-poll-interval", 500*time.Millisecond, "interval between fastboot device enumeration polls")
		verbose      = flag.Bool("v", false, "verbose (debug-level) logging")
		logFormat    = flag.String("log-format", "text", "log output format: text or json")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	logConfig.Format = *logFormat
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	br := fake.NewBridge()
	fb := fake.NewFastboot()

	registry := command.NewRegistry()
	queue := opqueue.New(registry)
	timer := opqueue.NewTimer()
	defer timer.Stop()

	devices := device.NewManager(nil, fastbootProbeFrom(fb), *fastbootPoll)

	probe := &fake.AvailabilityProbe{}
	policy := refpolicy.New(probe)
	wrapper := recovery.NewWrapper(policy, logger)

	metrics := devicefleet.NewMetrics(prometheus.DefaultRegisterer)
	wrapper.OnRecovery = metrics.ObserveRecovery
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	sched := scheduler.New(scheduler.Config{
		Queue:       queue,
		Timer:       timer,
		Devices:     devices,
		Registry:    registry,
		Wrapper:     wrapper,
		Runner:      shellRunner(br),
		RetryBudget: *retryBudget,
		Observer:    metrics,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedDevices(ctx, br, devices); err != nil {
		logger.Error("failed to enumerate initial devices", "error", err)
		os.Exit(1)
	}
	go forwardBridgeEvents(ctx, br, devices, logger)
	go sched.Run()

	remote := remotectl.New(*remoteAddr, sched, logger)
	remoteDone := make(chan error, 1)
	go func() { remoteDone <- remote.Serve(ctx) }()

	port, err := remote.GetPort(ctx)
	if err != nil {
		logger.Error("remote control listener never bound", "error", err)
		os.Exit(1)
	}
	logger.Info("fleetd started", "remote_control_port", port)
	fmt.Printf("fleetd listening for remote control on port %d\n", port)
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	cancel()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- sched.Shutdown(context.Background()) }()

	select {
	case err := <-shutdownDone:
		if err != nil {
			logger.Error("graceful shutdown failed, exiting anyway", "error", err)
		} else {
			logger.Info("graceful shutdown complete")
		}
	case <-time.After(10 * time.Second):
		logger.Warn("graceful shutdown timed out, forcing exit")
	}

	os.Exit(0)
}

// fastbootProbeFrom adapts fb.ListDevices to device.FastbootProbe; the
// two signatures already match, but an adapter keeps the Manager
// constructor free of a direct *fake.Fastboot dependency.
func fastbootProbeFrom(fb *fake.Fastboot) device.FastbootProbe {
	return func(ctx context.Context) ([]string, error) {
		return fb.ListDevices(ctx)
	}
}

// seedDevices registers every device the bridge currently sees.
func seedDevices(ctx context.Context, br *fake.Bridge, devices *device.Manager) error {
	infos, err := br.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		devices.AddDevice(device.New(info.Serial, info.ProductType, false, false))
	}
	return nil
}

// forwardBridgeEvents relays connect/disconnect/state-change
// notifications from the bridge into the device manager, the way
// internal/monitor expects to observe them.
func forwardBridgeEvents(ctx context.Context, br *fake.Bridge, devices *device.Manager, logger *logging.Logger) {
	events, err := br.Subscribe(ctx)
	if err != nil {
		logger.Error("bridge subscribe failed", "error", err)
		return
	}
	for ev := range events {
		switch ev.Kind {
		case bridge.EventConnected:
			if _, ok := deviceExists(devices, ev.Serial); !ok {
				devices.AddDevice(device.New(ev.Serial, "", false, false))
			} else {
				devices.OnBridgeConnected(ev.Serial)
			}
		case bridge.EventDisconnected:
			devices.OnBridgeDisconnected(ev.Serial)
		case bridge.EventStateChanged:
			devices.OnBridgeStateChanged(ev.Serial, parseState(ev.State))
		}
	}
}

func deviceExists(devices *device.Manager, serial string) (*device.Device, bool) {
	for _, d := range devices.ListAvailable() {
		if d.Serial() == serial {
			return d, true
		}
	}
	for _, d := range devices.ListAllocated() {
		if d.Serial() == serial {
			return d, true
		}
	}
	for _, d := range devices.ListUnavailable() {
		if d.Serial() == serial {
			return d, true
		}
	}
	return nil, false
}

func parseState(raw string) device.State {
	switch strings.ToLower(raw) {
	case "bootloader", "fastboot":
		return device.StateFastboot
	case "recovery":
		return device.StateRecovery
	case "offline":
		return device.StateOffline
	case "device", "online":
		return device.StateOnline
	default:
		return device.StateNotAvailable
	}
}

// shellRunner builds a scheduler.Runner that executes a Command's args
// as a single debug-bridge shell invocation — a minimal stand-in for
// whatever domain-specific action a real fleet would run.
func shellRunner(br *fake.Bridge) scheduler.Runner {
	return func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(any)) error {
		if len(cmd.Args) == 0 {
			return nil
		}
		_, err := br.Shell(ctx, dev.Serial(), strings.Join(cmd.Args, " "), 30*time.Second)
		if err != nil {
			return operr.Wrap("Shell", err)
		}
		return nil
	}
}
