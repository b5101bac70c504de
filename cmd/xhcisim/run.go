package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/usbid"
	"github.com/ardnew/softxhci/usb"
	"github.com/ardnew/softxhci/usb/class/hid"
	"github.com/ardnew/softxhci/xhci"
	"github.com/ardnew/softxhci/xhci/sim"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulated controller until interrupted",
	Long: `Boot a simulated xHCI controller, attach the configured functions and
service the event ring until SIGINT or SIGTERM.

Functions are read from the "devices" list of the config file:

  devices:
    - kind: keyboard
      port: 1
      boot: true
    - kind: mouse
      port: 2
      speed: low

Without a config file a single boot keyboard is attached to port 1. While
running, every attached function produces a synthetic report each
--report-interval, and metrics are served on --listen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulator(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("listen", ":8080", "The address at which to listen for health and metrics")
	runCmd.Flags().Int("slots", xhci.DefaultMaxSlots, "Device slots to enable")
	runCmd.Flags().Int("ports", xhci.DefaultMaxPorts, "Root hub ports")
	runCmd.Flags().Int("event-ring-size", xhci.DefaultEventRingSize, "Event ring segment size in TRBs")
	runCmd.Flags().Int("transfer-ring-size", xhci.DefaultTransferRingSize, "Transfer ring size in TRBs")
	runCmd.Flags().Int("memory", mem.DefaultPoolSize, "Simulated DMA memory in bytes")
	runCmd.Flags().Duration("report-interval", time.Second, "Interval between synthetic reports, 0 to disable")
	runCmd.Flags().String("usb-ids", "", "Path to a usb.ids database used to name devices (default: search system paths)")

	bindFlags(runCmd.Flags())
}

// simulator is the controller plus the hardware it drives. All fields are
// owned by the event loop goroutine.
type simulator struct {
	hw   *sim.Hardware
	ctrl *xhci.Controller
	ids  *usbid.Database
	tick int
}

func loadUSBIDs() *usbid.Database {
	ids := usbid.New()
	paths := usbid.DefaultPaths
	if p := viper.GetString("usb-ids"); p != "" {
		paths = []string{p}
	}
	path, err := ids.Load(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentEnumeration, "device names unavailable", "error", err)
		return ids
	}
	vendors, products := ids.Len()
	pkg.LogDebug(pkg.ComponentEnumeration, "usb.ids loaded",
		"path", path, "vendors", vendors, "products", products)
	return ids
}

func newSimulator(reg prometheus.Registerer) (*simulator, error) {
	pool := mem.NewPool(mem.DefaultBase, viper.GetInt("memory"))
	hw := sim.New(pool, viper.GetInt("ports"))
	s := &simulator{hw: hw, ids: loadUSBIDs()}

	classes := usb.NewRegistry()
	hid.Register(classes, logReport)

	ctrl, err := xhci.New(pool, hw, hw, hw,
		xhci.WithMaxSlots(viper.GetInt("slots")),
		xhci.WithMaxPorts(viper.GetInt("ports")),
		xhci.WithEventRingSize(viper.GetInt("event-ring-size")),
		xhci.WithTransferRingSize(viper.GetInt("transfer-ring-size")),
		xhci.WithClassRegistry(classes),
		xhci.WithRegisterer(reg),
		xhci.WithDeviceInitializedHook(s.deviceReady),
	)
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl
	return s, nil
}

// functionSpecs returns the configured functions, or a boot keyboard on
// port 1 when none are configured.
func functionSpecs() ([]sim.FunctionSpec, error) {
	raw := viper.Get("devices")
	if raw == nil {
		return []sim.FunctionSpec{{Kind: sim.KindKeyboard, Port: 1, Boot: true}}, nil
	}
	specs, err := sim.DecodeFunctionSpecs(raw)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one device must be specified")
	}
	return specs, nil
}

func (s *simulator) start(specs []sim.FunctionSpec) error {
	if err := s.ctrl.Initialize(); err != nil {
		return errors.Wrap(err, "initialize controller")
	}
	for _, spec := range specs {
		fn, err := sim.NewFunction(spec)
		if err != nil {
			return errors.Wrapf(err, "device on port %d", spec.Port)
		}
		if err := s.hw.Attach(spec.Port, fn); err != nil {
			return err
		}
		pkg.LogInfo(pkg.ComponentSim, "function attached",
			"port", spec.Port, "kind", fn.Kind(), "speed", fn.Speed())
	}
	return nil
}

// loop services interrupts and produces synthetic reports until ctx is
// done.
func (s *simulator) loop(ctx context.Context, interval time.Duration) error {
	var ticks <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	s.ctrl.ProcessEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.hw.IRQ():
			s.ctrl.ProcessEvents()
		case <-ticks:
			s.report()
		}
	}
}

// report queues one synthetic report on every enumerated function.
func (s *simulator) report() {
	s.tick++
	for _, dev := range s.ctrl.Devices() {
		if !dev.USB().IsInitialized() {
			continue
		}
		fn := s.hw.Function(dev.Port())
		if fn == nil {
			continue
		}

		var buf [hid.KeyboardReportSize]byte
		var n int
		switch fn.Kind() {
		case sim.KindKeyboard:
			key := uint8(hid.KeyA + (s.tick-1)%(hid.KeyZ-hid.KeyA+1))
			n = (&hid.KeyboardReport{Keys: [6]uint8{key}}).MarshalTo(buf[:])
		case sim.KindMouse:
			n = (&hid.MouseReport{X: int8(s.tick % 5), Y: -1}).MarshalTo(buf[:])
		}
		if err := s.hw.Report(dev.Port(), buf[:n]); err != nil {
			pkg.LogWarn(pkg.ComponentSim, "report not queued", "port", dev.Port(), "error", err)
		}
	}
}

func (s *simulator) deviceReady(d *xhci.Device) {
	desc := d.USB().Descriptor()
	pkg.LogInfo(pkg.ComponentEnumeration, "device enumerated",
		"slot", d.Slot(),
		"port", d.Port(),
		"speed", d.Speed(),
		"id", s.ids.Describe(desc.VendorID, desc.ProductID),
		"endpoints", d.USB().NumEndpointConfigs())
}

func logReport(d *hid.Driver, report []byte) {
	attrs := []any{"device", d.Device().Label(), "report", fmt.Sprintf("% X", report)}
	switch d.Protocol() {
	case hid.ProtocolKeyboard:
		var r hid.KeyboardReport
		if r.Parse(report) {
			attrs = append(attrs, "keys", r.Pressed(), "modifiers", r.Modifiers)
		}
	case hid.ProtocolMouse:
		var r hid.MouseReport
		if r.Parse(report) {
			attrs = append(attrs, "buttons", r.Buttons, "x", r.X, "y", r.Y)
		}
	}
	pkg.LogInfo(pkg.ComponentClass, "HID report", attrs...)
}

func runSimulator(ctx context.Context) error {
	specs, err := functionSpecs()
	if err != nil {
		return err
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := newSimulator(r)
	if err != nil {
		return err
	}
	if err := s.start(specs); err != nil {
		return err
	}

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", listen)
		}
		pkg.LogInfo(pkg.ComponentController, "serving metrics", "addr", l.Addr().String())

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "server exited unexpectedly")
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Service the controller.
		loopCtx, cancel := context.WithCancel(ctx)
		interval := viper.GetDuration("report-interval")
		g.Add(func() error {
			return s.loop(loopCtx, interval)
		}, func(error) {
			cancel()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				pkg.LogInfo(pkg.ComponentController, "caught interrupt; shutting down")
			case <-cancel:
			}
			return nil
		}, func(error) {
			signal.Stop(term)
			close(cancel)
		})
	}

	return g.Run()
}
