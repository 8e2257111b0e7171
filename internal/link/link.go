// Package link builds the transport, optional discovery and session options
// selected by the configuration.
package link

import (
	"fmt"

	"github.com/chaz8081/kayakctl/internal/ble"
	"github.com/chaz8081/kayakctl/internal/config"
	"github.com/chaz8081/kayakctl/internal/rfcomm"
	"github.com/chaz8081/kayakctl/internal/session"
	"github.com/chaz8081/kayakctl/internal/transport"
)

// Open returns the transport named by cfg.Transport. The scanner is nil
// for transports that connect to a configured address.
func Open(cfg *config.Config) (transport.Transport, session.Scanner, error) {
	switch cfg.Transport {
	case config.TransportBLE:
		adapter := ble.NewTinyGoAdapter()
		profile := ble.Profile{
			Service:   cfg.BLE.ServiceUUID,
			Telemetry: cfg.BLE.TelemetryUUID,
			Command:   cfg.BLE.CommandUUID,
		}
		return ble.NewTransport(adapter, profile), ble.NewDiscovery(adapter), nil
	case config.TransportRFCOMM:
		return rfcomm.NewTransport(cfg.RFCOMM.Adapter), nil, nil
	case config.TransportSerial:
		return transport.NewSerial(cfg.Serial.BaudRate), nil, nil
	default:
		return nil, nil, fmt.Errorf("link: unknown transport %q", cfg.Transport)
	}
}

// SessionOptions maps cfg onto session options.
func SessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.Target = cfg.Device.Address
	opts.NameFilter = cfg.Device.NameFilter
	opts.ScanWindow = cfg.BLE.ScanWindow
	opts.AutoConnect = cfg.BLE.AutoConnect
	opts.LowBatteryVolts = cfg.Telemetry.LowBatteryVolts
	opts.Dialect = cfg.Dialect()
	opts.GainLimits = cfg.Gains.Limits()
	if cfg.Transport == config.TransportRFCOMM {
		if mac, err := rfcomm.NormalizeMAC(cfg.Device.Address); err == nil {
			opts.Target = mac
		}
	}
	return opts
}
