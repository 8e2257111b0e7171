// Command kayak-probe is a bench test for a stabilizer link. It connects,
// sends a fixed set of PID gains and a status request, then prints
// telemetry for a while.
//
// Usage:
//
//	go run ./cmd/kayak-probe [-transport serial] [-address /dev/ttyUSB0] [-duration 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/kayakctl/internal/config"
	"github.com/chaz8081/kayakctl/internal/link"
	"github.com/chaz8081/kayakctl/internal/protocol"
	"github.com/chaz8081/kayakctl/internal/session"
)

func main() {
	transportName := flag.String("transport", config.TransportSerial, "transport: ble, rfcomm or serial")
	address := flag.String("address", "/dev/ttyUSB0", "device address (BLE address, MAC or serial port)")
	dialect := flag.String("dialect", "ble", "command dialect: ble or classic")
	duration := flag.Duration("duration", 10*time.Second, "how long to monitor telemetry")
	connectTimeout := flag.Duration("timeout", 15*time.Second, "connect timeout")
	flag.Parse()

	cfg := config.Default()
	cfg.Transport = *transportName
	cfg.Device.Address = *address
	cfg.Device.Dialect = *dialect
	cfg.Hotkey.Enabled = false
	cfg.Alarm.Enabled = false
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	tr, scanner, err := link.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transport: %v\n", err)
		os.Exit(1)
	}
	mgr := session.New(tr, scanner, link.SessionOptions(cfg))
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states := make(chan session.State, 8)
	mgr.Subscribe(session.Subscriber{
		OnStateChange: func(s session.State) {
			select {
			case states <- s:
			default:
			}
		},
		OnTelemetry: func(s protocol.Sample) {
			fmt.Printf("Data: %s\n", formatSample(s))
		},
		OnLowBattery: func(v float64) {
			fmt.Printf("!!! low battery: %.2fV\n", v)
		},
		OnAdvisory: func(a session.Advisory) {
			fmt.Printf("Advisory: %s\n", a)
		},
		OnMalformed: func(err *protocol.TokenError) {
			fmt.Printf("Malformed: %v\n", err)
		},
	})

	fmt.Printf("Connecting to %s over %s...\n", cfg.Device.Address, tr.Kind())
	if err := mgr.Connect(""); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if err := waitConnected(ctx, states, *connectTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		mgr.Close()
		os.Exit(1)
	}
	fmt.Println("Connected")

	fmt.Println("\n=== Testing PID Parameters ===")
	for _, g := range []protocol.GainSetting{
		{Kind: protocol.GainP, Value: 2.5},
		{Kind: protocol.GainI, Value: 0.15},
		{Kind: protocol.GainD, Value: 0.8},
	} {
		if err := mgr.SendGain(g); err != nil {
			fmt.Printf("Send %s failed: %v\n", g.Kind, err)
			continue
		}
		fmt.Printf("Sent: %s = %s\n", g.Kind, protocol.FormatValue(g.Value))
		time.Sleep(500 * time.Millisecond)
	}

	fmt.Println("\n=== Testing Status Request ===")
	if err := mgr.RequestStatus(); err != nil {
		fmt.Printf("Status request failed: %v\n", err)
	}

	fmt.Printf("\n=== Monitoring Data for %s ===\n", *duration)
	select {
	case <-ctx.Done():
	case <-time.After(*duration):
	}

	mgr.Disconnect()
	fmt.Println("Disconnected")
}

func waitConnected(ctx context.Context, states <-chan session.State, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	sawConnecting := false
	for {
		select {
		case s := <-states:
			switch s {
			case session.Connected:
				return nil
			case session.Connecting:
				sawConnecting = true
			case session.Disconnected:
				if sawConnecting {
					return fmt.Errorf("connection failed")
				}
			}
		case <-timer.C:
			return fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func formatSample(s protocol.Sample) string {
	field := func(f protocol.Field, v float64) string {
		if !s.Has(f) {
			return "--"
		}
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("roll=%s pitch=%s battery=%s",
		field(protocol.FieldRoll, s.Roll),
		field(protocol.FieldPitch, s.Pitch),
		field(protocol.FieldBattery, s.Battery))
}
