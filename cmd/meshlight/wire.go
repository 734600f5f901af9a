package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/meshlight/internal/ble"
	"github.com/chaz8081/meshlight/internal/bridge"
	"github.com/chaz8081/meshlight/internal/config"
	"github.com/chaz8081/meshlight/internal/link"
	"github.com/chaz8081/meshlight/internal/mesh"
	"github.com/chaz8081/meshlight/internal/registry"
	"github.com/chaz8081/meshlight/internal/scheduler"
)

// app is one configured bridge and the radio under it.
type app struct {
	cfg     *config.Config
	cfgPath string // where pairings are saved

	adapter      ble.Adapter
	closeAdapter func() error
	tx           *ble.Transmitter
	bridge       *bridge.Bridge
}

// setup loads and validates the config and installs the logger.
func setup() (*config.Config, string, error) {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		if cfg.Mesh.Key == "" {
			log.Println("No mesh key configured. Run 'meshlight init' to create a config with a fresh key.")
		}
		return nil, "", fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, path, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. The returned path is
// where the config is saved back to.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), defaultPath, nil
}

// newApp builds the radio, the transmitter and the bridge from cfg.
func newApp(cfg *config.Config, path string) (*app, error) {
	adapter, closeAdapter, err := newAdapter(cfg)
	if err != nil {
		return nil, err
	}

	reg, err := newRegistry(cfg)
	if err != nil {
		closeAdapter()
		return nil, err
	}

	key, err := cfg.MeshKey()
	if err != nil {
		closeAdapter()
		return nil, err
	}

	tx := ble.NewTransmitter(adapter, ble.TransmitterOptions{
		CompanyID:    cfg.Mesh.CompanyID,
		QueueSize:    cfg.Transport.QueueSize,
		AdvertiseFor: cfg.Transport.AdvertiseFor,
		ReconnectMax: cfg.Transport.ReconnectMax,
	})

	b, err := bridge.New(bridge.Deps{
		Registry: reg,
		Sink:     tx,
		Scanner:  adapter,
		Pairer:   ble.NewPairer(adapter, ble.PairOptions{Timeout: cfg.Pairing.Timeout}),
	}, bridge.Options{
		Key:          key,
		CompanyID:    cfg.Mesh.CompanyID,
		AddressToken: cfg.Mesh.AddressToken,
		Scheduler:    schedulerOptions(cfg),
	})
	if err != nil {
		closeAdapter()
		return nil, err
	}

	return &app{
		cfg:          cfg,
		cfgPath:      path,
		adapter:      adapter,
		closeAdapter: closeAdapter,
		tx:           tx,
		bridge:       b,
	}, nil
}

// newAdapter opens the radio named by transport.kind.
func newAdapter(cfg *config.Config) (ble.Adapter, func() error, error) {
	switch cfg.Transport.Kind {
	case "serial":
		c := link.NewClient(link.SerialDialer(cfg.Transport.Serial.Port, cfg.Transport.Serial.Baud), link.DefaultOptions())
		return c, c.Close, nil
	case "websocket":
		dial, err := link.WebSocketDialer(link.WebSocketOptions{
			URL:           cfg.Transport.WebSocket.URL,
			Username:      cfg.Transport.WebSocket.Username,
			Password:      cfg.RelayPassword(),
			SkipSSLVerify: cfg.Transport.WebSocket.SkipSSLVerify,
		})
		if err != nil {
			return nil, nil, err
		}
		c := link.NewClient(dial, link.DefaultOptions())
		return c, c.Close, nil
	default:
		return ble.NewNativeAdapter(), func() error { return nil }, nil
	}
}

// newRegistry loads the configured lights.
func newRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	for _, l := range cfg.Lights {
		id, err := l.ParseDeviceID()
		if err != nil {
			return nil, fmt.Errorf("light %d: %w", l.Address, err)
		}
		capability, err := mesh.ParseCapability(l.Capability)
		if err != nil {
			return nil, fmt.Errorf("light %d: %w", l.Address, err)
		}
		if err := reg.Add(registry.Device{
			Address:    mesh.Address(l.Address),
			Name:       l.Name,
			DeviceID:   id,
			Capability: capability,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func schedulerOptions(cfg *config.Config) scheduler.Options {
	opts := scheduler.DefaultOptions()
	opts.Debounce = cfg.Scheduler.Debounce
	opts.MinInterval = cfg.Scheduler.MinInterval
	opts.FailureThreshold = cfg.Scheduler.FailureThreshold
	opts.RadioRate = cfg.Scheduler.RadioRate
	opts.RadioBurst = cfg.Scheduler.RadioBurst
	opts.Forward = cfg.Mesh.Forward
	opts.OnFault = func(addr mesh.Address, failures int, err error) {
		slog.Error("[BRIDGE] light degraded", "address", addr, "failures", failures, "error", err)
	}
	return opts
}

// start runs the transmitter and the scheduler until ctx is done. The
// returned wait blocks until both have stopped.
func (a *app) start(ctx context.Context) (wait func() error) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tx.Run(ctx) })
	g.Go(func() error { return a.bridge.Run(ctx) })
	return g.Wait
}

// withApp runs fn with a started app. fn's context ends on SIGINT or
// SIGTERM; the app is stopped once fn returns.
func withApp(banner bool, fn func(ctx context.Context, a *app) error) error {
	cfg, path, err := setup()
	if err != nil {
		return err
	}
	if banner {
		printBanner(cfg)
	}
	a, err := newApp(cfg, path)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	wait := a.start(ctx)

	err = fn(ctx, a)
	cancel()
	if werr := wait(); err == nil {
		err = werr
	}
	return err
}

// close releases the radio.
func (a *app) close() {
	if err := a.closeAdapter(); err != nil {
		slog.Debug("[BRIDGE] closing radio", "error", err)
	}
}

// savePairing records a newly paired device in the config file.
func (a *app) savePairing(dev registry.Device) error {
	a.cfg.PutLight(config.LightConfig{
		Address:    uint16(dev.Address),
		Name:       dev.Name,
		DeviceID:   dev.DeviceID.String(),
		Capability: dev.Capability.String(),
	})
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		return err
	}
	log.Printf("Saved %s (address %s) to %s", dev.Name, dev.Address, a.cfgPath)
	return nil
}

// waitSent blocks until the scheduler has sent the desired state of addr,
// the address degrades, or timeout passes.
func (a *app) waitSent(ctx context.Context, addr mesh.Address, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		st, err := a.bridge.Status(addr)
		if err != nil {
			return err
		}
		if st.Scheduled && st.Schedule.State == scheduler.StateIdle && st.Schedule.LastSent != nil &&
			*st.Schedule.LastSent == st.Schedule.Desired {
			return nil
		}
		if st.Schedule.Degraded {
			return fmt.Errorf("light %s degraded: %w", addr, st.Schedule.LastError)
		}
		select {
		case <-ctx.Done():
			if st.Schedule.LastError != nil {
				return fmt.Errorf("light %s not sent: %w", addr, st.Schedule.LastError)
			}
			return fmt.Errorf("light %s not sent: %w", addr, ctx.Err())
		case <-t.C:
		}
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== meshlight ===")
	fmt.Printf("  Radio:     %s\n", radioDescription(cfg))
	fmt.Printf("  Mesh:      company 0x%04X, forward %t\n", cfg.Mesh.CompanyID, cfg.Mesh.Forward)
	fmt.Printf("  Lights:    %d\n", len(cfg.Lights))
	fmt.Printf("  Pacing:    debounce %s, interval %s\n", cfg.Scheduler.Debounce, cfg.Scheduler.MinInterval)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func radioDescription(cfg *config.Config) string {
	switch cfg.Transport.Kind {
	case "serial":
		return fmt.Sprintf("serial relay %s @ %d", cfg.Transport.Serial.Port, cfg.Transport.Serial.Baud)
	case "websocket":
		return "websocket relay " + cfg.Transport.WebSocket.URL
	default:
		return "local adapter (" + strings.ToUpper(cfg.Transport.Kind) + ")"
	}
}
