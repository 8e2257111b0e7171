//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	dbus "github.com/godbus/dbus/v5"

	"github.com/chaz8081/kayakctl/internal/transport"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
)

var pathCounter uint64

// Dialer connects to the SPP service of a paired device. It registers a
// client Profile1 for each dial and hands back the RFCOMM socket BlueZ
// passes to NewConnection.
type Dialer struct {
	// Adapter is the HCI adapter name used when the device is not found in
	// BlueZ's object tree. Empty means hci0.
	Adapter string
}

// Dial implements transport.Dialer. target is the device MAC address.
func (d Dialer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	mac, err := NormalizeMAC(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnectFailed, err)
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: rfcomm: connect system bus: %w", transport.ErrUnavailable, err)
	}

	link := &link{bus: bus}
	ok := false
	defer func() {
		if !ok {
			link.release()
		}
	}()

	prof := &profile{ch: make(chan int, 1)}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/kayakctl/rfcomm/p" + strconv.FormatUint(id, 10))
	if err := bus.Export(prof, path, profileIface); err != nil {
		return nil, fmt.Errorf("rfcomm: export profile: %w", err)
	}
	pm := bus.Object(bluezService, "/org/bluez")
	opts := map[string]dbus.Variant{
		"Role":        dbus.MakeVariant("client"),
		"AutoConnect": dbus.MakeVariant(false),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, opts); call.Err != nil {
		return nil, classify("RegisterProfile", call.Err)
	}
	link.cleanup = append(link.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileIface)
	})

	devPath, err := findDevice(bus, mac)
	if err != nil {
		return nil, err
	}
	if devPath == "" {
		devPath = dbus.ObjectPath(DevicePath(d.Adapter, mac))
	}
	dev := bus.Object(bluezService, devPath)

	slog.Info("[RFCOMM] connecting profile", "device", devPath)
	call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID)
	if call.Err != nil {
		return nil, classify("ConnectProfile", call.Err)
	}
	link.cleanup = append(link.cleanup, func() {
		_ = dev.Call(deviceIface+".DisconnectProfile", 0, SPPUUID).Err
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: rfcomm: waiting for socket: %w", transport.ErrConnectFailed, ctx.Err())
	case fd := <-prof.ch:
		// Non-blocking so the runtime poller can interrupt Read on Close.
		if err := syscall.SetNonblock(fd, true); err != nil {
			syscall.Close(fd)
			return nil, fmt.Errorf("rfcomm: set nonblocking: %w", err)
		}
		link.File = os.NewFile(uintptr(fd), "rfcomm:"+mac)
		ok = true
		slog.Info("[RFCOMM] socket ready", "device", devPath)
		return link, nil
	}
}

// link is the RFCOMM socket plus the D-Bus registrations that keep it alive.
type link struct {
	*os.File
	bus     *dbus.Conn
	cleanup []func()
	once    sync.Once
}

func (l *link) Close() error {
	var err error
	if l.File != nil {
		err = l.File.Close()
	}
	l.release()
	return err
}

func (l *link) release() {
	l.once.Do(func() {
		for i := len(l.cleanup) - 1; i >= 0; i-- {
			l.cleanup[i]()
		}
		l.bus.Close()
	})
}

// profile implements org.bluez.Profile1 for a single outgoing connection.
type profile struct {
	mu       sync.Mutex
	ch       chan int
	accepted bool
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		syscall.Close(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already connected"}}
	}
	select {
	case p.ch <- int(fd):
		p.accepted = true
		slog.Debug("[RFCOMM] new connection", "device", dev, "mac", macFromPath(string(dev)))
		return nil
	default:
		syscall.Close(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// findDevice looks up the Device1 object whose Address is mac.
func findDevice(bus *dbus.Conn, mac string) (dbus.ObjectPath, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return "", classify("GetManagedObjects", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return "", fmt.Errorf("rfcomm: decode GetManagedObjects: %w", err)
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		v, ok := props["Address"]
		if !ok {
			continue
		}
		if addr, _ := v.Value().(string); strings.EqualFold(addr, mac) {
			return path, nil
		}
	}
	return "", nil
}

// classify maps BlueZ/D-Bus error names onto the transport error taxonomy.
func classify(op string, err error) error {
	var derr dbus.Error
	name := ""
	if errors.As(err, &derr) {
		name = derr.Name
	} else if p, ok := err.(*dbus.Error); ok {
		name = p.Name
	}
	switch name {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotPermitted", "org.bluez.Error.NotAuthorized":
		return fmt.Errorf("%w: rfcomm: %s: %w", transport.ErrPermissionDenied, op, err)
	case "org.freedesktop.DBus.Error.ServiceUnknown":
		// bluetoothd is not running at all.
		return fmt.Errorf("%w: rfcomm: %s: %w", transport.ErrUnavailable, op, err)
	case "org.bluez.Error.NotReady":
		// Adapter powered off; the user can fix it and retry.
		return fmt.Errorf("%w: rfcomm: %s: adapter not powered: %w", transport.ErrConnectFailed, op, err)
	default:
		return fmt.Errorf("%w: rfcomm: %s: %w", transport.ErrConnectFailed, op, err)
	}
}

// NewTransport returns a stream transport over BlueZ RFCOMM.
func NewTransport(adapter string) *transport.Stream {
	return transport.NewStream("RFCOMM", Dialer{Adapter: adapter})
}

var _ transport.Dialer = Dialer{}
