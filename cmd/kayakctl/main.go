// Command kayakctl is the shore-side controller for the kayak stabilizer:
// it connects over BLE, Bluetooth Classic or a serial cable, shows live
// telemetry and sends PID gains and emergency commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chaz8081/kayakctl/internal/alarm"
	"github.com/chaz8081/kayakctl/internal/ble"
	"github.com/chaz8081/kayakctl/internal/bridge"
	"github.com/chaz8081/kayakctl/internal/config"
	"github.com/chaz8081/kayakctl/internal/hotkey"
	"github.com/chaz8081/kayakctl/internal/link"
	"github.com/chaz8081/kayakctl/internal/protocol"
	"github.com/chaz8081/kayakctl/internal/session"
	"github.com/chaz8081/kayakctl/internal/ui"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/kayakctl/config.yaml)")
	transportName := flag.String("transport", "", "override transport: ble, rfcomm or serial")
	address := flag.String("address", "", "override device address (BLE address, MAC or serial port)")
	headless := flag.Bool("headless", false, "run without the terminal UI and log events to stderr")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *transportName != "" {
		cfg.Transport = strings.ToLower(*transportName)
	}
	if *address != "" {
		cfg.Device.Address = *address
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	closeLog, err := setupLogging(cfg, *headless)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	if *headless {
		printBanner(cfg)
	}

	tr, scanner, err := link.Open(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	mgr := session.New(tr, scanner, link.SessionOptions(cfg))
	// Deferred calls do not run past os.Exit, so shutdown steps are
	// collected here.
	var cleanup []func()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cleanup = append(cleanup, stop)

	if cfg.Alarm.Enabled {
		speaker, err := alarm.NewSpeaker(0)
		if err != nil {
			slog.Warn("[ALARM] audio unavailable, alarm disabled", "error", err)
		} else {
			cleanup = append(cleanup, func() { _ = speaker.Close() })
			a := alarm.New(speaker, alarm.Config{
				Frequency: cfg.Alarm.Frequency,
				Duration:  cfg.Alarm.Duration,
				Cooldown:  cfg.Alarm.Cooldown,
			})
			mgr.Subscribe(a.Subscriber())
		}
	}

	if cfg.Bridge.Addr != "" {
		bus := bridge.NewBus()
		mgr.Subscribe(bus.Subscriber())
		srv := bridge.NewServer(bus)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Bridge.Addr); err != nil {
				slog.Error("[BRIDGE] stopped", "error", err)
			}
		}()
	}

	if cfg.Hotkey.Enabled {
		listener := hotkey.NewListener(
			hotkey.Binding{Action: hotkey.ActionEmergencyStop, Keys: cfg.Hotkey.Keys},
			hotkey.Binding{Action: hotkey.ActionEmergencyReset, Keys: cfg.Hotkey.ResetKeys},
		)
		go listener.Start()
		go hotkey.Forward(listener.Events(), mgr)
		cleanup = append(cleanup, listener.Stop)
	}

	if *headless {
		runHeadless(ctx, mgr, cfg, scanner != nil)
	} else {
		runUI(ctx, mgr, cfg, scanner != nil)
	}

	mgr.Close()
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	slog.Info("[MAIN] goodbye")
	closeLog()
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
}

// start connects to the configured device, or scans when there is none.
func start(mgr *session.Manager, cfg *config.Config, canScan bool) {
	if cfg.Device.Address == "" && canScan {
		if err := mgr.StartScan(); err != nil {
			slog.Warn("[MAIN] scan failed to start", "error", err)
		}
		return
	}
	if err := mgr.Connect(""); err != nil {
		slog.Warn("[MAIN] connect failed to start", "error", err)
	}
}

func runUI(ctx context.Context, mgr *session.Manager, cfg *config.Config, canScan bool) {
	model := ui.New(mgr, ui.Options{
		Title:     "kayakctl",
		Transport: strings.ToUpper(cfg.Transport),
		Target:    cfg.Device.Address,
		CanScan:   canScan,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())
	mgr.Subscribe(ui.Subscriber(p.Send))

	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	// Send blocks until Run has started, so the first connect happens off
	// this goroutine.
	go start(mgr, cfg, canScan)

	if _, err := p.Run(); err != nil {
		slog.Error("[UI] exited", "error", err)
	}
}

func runHeadless(ctx context.Context, mgr *session.Manager, cfg *config.Config, canScan bool) {
	unsubscribe := mgr.Subscribe(session.Subscriber{
		OnStateChange: func(s session.State) {
			slog.Info("[SESSION] state", "state", s)
		},
		OnTelemetry: func(s protocol.Sample) {
			attrs := []any{}
			if s.Has(protocol.FieldRoll) {
				attrs = append(attrs, "roll", s.Roll)
			}
			if s.Has(protocol.FieldPitch) {
				attrs = append(attrs, "pitch", s.Pitch)
			}
			if s.Has(protocol.FieldBattery) {
				attrs = append(attrs, "battery", s.Battery)
			}
			slog.Info("[TELEMETRY]", attrs...)
		},
		OnLowBattery: func(v float64) {
			slog.Warn("[TELEMETRY] low battery", "volts", v)
		},
		OnDevices: func(devices []ble.Device) {
			for _, d := range devices {
				slog.Info("[SCAN] device", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
			}
		},
		OnAdvisory: func(a session.Advisory) {
			slog.Warn("[SESSION] advisory", "kind", a.Kind, "message", a.Message, "error", a.Err)
		},
		OnMalformed: func(err *protocol.TokenError) {
			slog.Debug("[TELEMETRY] malformed token", "error", err)
		},
	})
	defer unsubscribe()

	start(mgr, cfg, canScan)
	fmt.Println("Running headless. Ctrl+C to quit.")
	<-ctx.Done()
	slog.Info("[MAIN] shutting down")
}

// setupLogging installs the default slog logger. The UI owns the terminal,
// so logs go to cfg.LogFile unless running headless.
func setupLogging(cfg *config.Config, headless bool) (func(), error) {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	var w io.Writer = os.Stderr
	closeFn := func() {}

	if !headless {
		if cfg.LogFile == "" {
			w = io.Discard
		} else {
			if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
				return nil, fmt.Errorf("creating log dir: %w", err)
			}
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, fmt.Errorf("opening log file: %w", err)
			}
			w = f
			closeFn = func() { _ = f.Close() }
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
	return closeFn, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault(config.DefaultConfigPath())
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	target := cfg.Device.Address
	if target == "" {
		target = fmt.Sprintf("scan for %q", cfg.Device.NameFilter)
	}
	fmt.Println("=== kayakctl ===")
	fmt.Printf("  Transport: %s (%s dialect)\n", cfg.Transport, cfg.Dialect())
	fmt.Printf("  Device:    %s\n", target)
	fmt.Printf("  Battery:   warn below %.2fV\n", cfg.Telemetry.LowBatteryVolts)
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Hotkey:    %s (stop)\n", strings.Join(cfg.Hotkey.Keys, "+"))
	}
	if cfg.Bridge.Addr != "" {
		fmt.Printf("  Bridge:    ws://%s/ws\n", cfg.Bridge.Addr)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
