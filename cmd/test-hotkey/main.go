// Command test-hotkey is a manual test for the global emergency hotkeys.
// Run it, then press the configured combos to see events. No device is
// contacted.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [-stop ctrl+shift+e] [-reset ctrl+shift+r]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/kayakctl/internal/hotkey"
)

// printer stands in for the session and prints each command.
type printer struct{}

func (printer) EmergencyStop() error {
	fmt.Println(">>> EMERGENCY STOP")
	return nil
}

func (printer) EmergencyReset() error {
	fmt.Println("<<< EMERGENCY RESET")
	return nil
}

func main() {
	stopKeys := flag.String("stop", "ctrl+shift+e", "emergency stop combo")
	resetKeys := flag.String("reset", "ctrl+shift+r", "emergency reset combo")
	flag.Parse()

	fmt.Printf("Listening for %s (stop) and %s (reset)...\n", *stopKeys, *resetKeys)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(
		hotkey.Binding{Action: hotkey.ActionEmergencyStop, Keys: splitCombo(*stopKeys)},
		hotkey.Binding{Action: hotkey.ActionEmergencyReset, Keys: splitCombo(*resetKeys)},
	)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		hotkey.Forward(listener.Events(), printer{})
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}

func splitCombo(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, "+") {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
