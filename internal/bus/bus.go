// ABOUTME: System D-Bus adapter for BlueZ object and property notifications
// ABOUTME: Routes signals into per-object ordered channels for the synchronizer
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	BlueZBusName = "org.bluez"

	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"

	interfacesAddedName   = objectManagerIface + ".InterfacesAdded"
	propertiesChangedName = propertiesIface + ".PropertiesChanged"
)

// ErrRemoteUnavailable marks reads or calls against a remote object that has
// disappeared from the bus or does not (yet) expose the requested member.
var ErrRemoteUnavailable = errors.New("remote object unavailable")

// D-Bus error names BlueZ returns for vanished objects and unexposed
// properties. MediaPlayer1 omits Status entirely until streaming starts,
// which surfaces as InvalidArgs on a property Get.
var unavailableErrorNames = map[string]bool{
	"org.freedesktop.DBus.Error.UnknownObject":   true,
	"org.freedesktop.DBus.Error.UnknownMethod":   true,
	"org.freedesktop.DBus.Error.UnknownProperty": true,
	"org.freedesktop.DBus.Error.ServiceUnknown":  true,
	"org.freedesktop.DBus.Error.InvalidArgs":     true,
	"org.freedesktop.DBus.Error.NoReply":         true,
}

// IsRemoteUnavailable reports whether err means the remote endpoint is gone
// or not yet exposing what was asked of it.
func IsRemoteUnavailable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// WrapCallError translates godbus errors into the adapter's taxonomy.
func WrapCallError(err error) error {
	if err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && unavailableErrorNames[dbusErr.Name] {
		return fmt.Errorf("%w: %s", ErrRemoteUnavailable, dbusErr.Name)
	}
	return err
}

// ObjectAppeared describes a remote object newly exposing interfaces.
type ObjectAppeared struct {
	Path       dbus.ObjectPath
	Interfaces []string
}

// PropertyChange is one PropertiesChanged batch for a watched object.
type PropertyChange struct {
	Path      dbus.ObjectPath
	Interface string
	Changed   map[string]dbus.Variant
}

// Conn wraps a system bus connection and fans incoming signals out to
// subscribers. A single dispatch goroutine preserves per-object delivery
// order.
type Conn struct {
	conn *dbus.Conn

	mu             sync.Mutex
	signals        chan *dbus.Signal
	dispatching    bool
	propWatchers   map[dbus.ObjectPath][]chan PropertyChange
	appearWatchers []chan ObjectAppeared
}

// Connect opens the system bus.
func Connect() (*Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an existing bus connection.
func NewConn(conn *dbus.Conn) *Conn {
	return &Conn{
		conn:         conn,
		propWatchers: make(map[dbus.ObjectPath][]chan PropertyChange),
	}
}

// Object returns a proxy for the named BlueZ object.
func (c *Conn) Object(path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(BlueZBusName, path)
}

// ManagedObjects enumerates the object paths currently exposing iface.
func (c *Conn) ManagedObjects(ctx context.Context, iface string) ([]dbus.ObjectPath, error) {
	root := c.conn.Object(BlueZBusName, "/")

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := root.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0)
	if err := call.Store(&objects); err != nil {
		return nil, WrapCallError(err)
	}

	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[iface]; ok {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// WatchInterfacesAdded subscribes to object appearances under the BlueZ
// object manager. Events are delivered once per appearance.
func (c *Conn) WatchInterfacesAdded(buf int) (<-chan ObjectAppeared, error) {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(objectManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
		dbus.WithMatchSender(BlueZBusName),
	); err != nil {
		return nil, fmt.Errorf("failed to add InterfacesAdded match: %w", err)
	}

	ch := make(chan ObjectAppeared, buf)

	c.mu.Lock()
	c.appearWatchers = append(c.appearWatchers, ch)
	c.ensureDispatchLocked()
	c.mu.Unlock()

	return ch, nil
}

// WatchProperties subscribes to PropertiesChanged signals for a single
// object path. Batches arrive in bus delivery order.
func (c *Conn) WatchProperties(path dbus.ObjectPath, buf int) (<-chan PropertyChange, error) {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(path),
	); err != nil {
		return nil, fmt.Errorf("failed to add PropertiesChanged match for %s: %w", path, err)
	}

	ch := make(chan PropertyChange, buf)

	c.mu.Lock()
	c.propWatchers[path] = append(c.propWatchers[path], ch)
	c.ensureDispatchLocked()
	c.mu.Unlock()

	return ch, nil
}

// UnwatchProperties drops a property subscription and closes its channel.
func (c *Conn) UnwatchProperties(path dbus.ObjectPath, ch <-chan PropertyChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	watchers := c.propWatchers[path]
	for i, w := range watchers {
		if w == ch {
			c.propWatchers[path] = append(watchers[:i], watchers[i+1:]...)
			close(w)
			break
		}
	}
	if len(c.propWatchers[path]) == 0 {
		delete(c.propWatchers, path)
		if err := c.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(path),
		); err != nil {
			log.Printf("Failed to remove PropertiesChanged match for %s: %v", path, err)
		}
	}
}

// ensureDispatchLocked starts the signal dispatch goroutine once.
func (c *Conn) ensureDispatchLocked() {
	if c.dispatching {
		return
	}
	c.signals = make(chan *dbus.Signal, 64)
	c.conn.Signal(c.signals)
	c.dispatching = true
	go c.dispatch()
}

// dispatch routes bus signals to subscribers. Sends never block the
// dispatcher; a subscriber that falls behind loses the batch and is
// expected to re-read current state on its next transition.
func (c *Conn) dispatch() {
	for sig := range c.signals {
		switch sig.Name {
		case propertiesChangedName:
			c.dispatchPropertiesChanged(sig)
		case interfacesAddedName:
			c.dispatchInterfacesAdded(sig)
		}
	}
}

func (c *Conn) dispatchPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	change := PropertyChange{Path: sig.Path, Interface: iface, Changed: changed}

	c.mu.Lock()
	watchers := append([]chan PropertyChange(nil), c.propWatchers[sig.Path]...)
	c.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- change:
		default:
			log.Printf("Dropping property change for %s: subscriber not keeping up", sig.Path)
		}
	}
}

func (c *Conn) dispatchInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}

	appeared := ObjectAppeared{Path: path}
	for name := range ifaces {
		appeared.Interfaces = append(appeared.Interfaces, name)
	}

	c.mu.Lock()
	watchers := append([]chan ObjectAppeared(nil), c.appearWatchers...)
	c.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- appeared:
		default:
			log.Printf("Dropping appearance of %s: subscriber not keeping up", path)
		}
	}
}

// Close shuts the bus connection down. The signal channel is closed after
// removal so the dispatch goroutine drains and returns.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.signals != nil {
		c.conn.RemoveSignal(c.signals)
		close(c.signals)
		c.signals = nil
	}
	c.mu.Unlock()
	return c.conn.Close()
}
