// Package rfcomm opens Classic Bluetooth serial-port (SPP) links through
// BlueZ. The returned stream is used by transport.Stream.
package rfcomm

import (
	"fmt"
	"regexp"
	"strings"
)

// SPPUUID is the Serial Port Profile service class the firmware advertises.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

var macRe = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// NormalizeMAC validates a Bluetooth address and upper-cases it.
func NormalizeMAC(mac string) (string, error) {
	mac = strings.TrimSpace(mac)
	if !macRe.MatchString(mac) {
		return "", fmt.Errorf("rfcomm: invalid device address %q", mac)
	}
	return strings.ToUpper(mac), nil
}

// DevicePath returns the BlueZ object path of mac under adapter (e.g. "hci0").
func DevicePath(adapter, mac string) string {
	if adapter == "" {
		adapter = "hci0"
	}
	return "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
}

// macFromPath is the inverse of DevicePath.
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
