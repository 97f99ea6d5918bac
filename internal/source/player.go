// ABOUTME: Proxy for a BlueZ MediaPlayer1 object (the Bluetooth audio source)
// ABOUTME: Reads transport status and device identity, issues play/pause
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/SqueezeLink/squeezelink-go/internal/bus"
)

const (
	// PlayerInterface is the BlueZ capability this bridge pairs with.
	PlayerInterface = "org.bluez.MediaPlayer1"

	StatusPlaying = "playing"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

// Player is a stateless command/read facade over one MediaPlayer1 object.
// It owns no synchronization state.
type Player struct {
	path dbus.ObjectPath
	obj  dbus.BusObject
}

// NewPlayer builds a proxy for the MediaPlayer1 object at path.
func NewPlayer(conn *bus.Conn, path dbus.ObjectPath) *Player {
	return &Player{path: path, obj: conn.Object(path)}
}

// Path returns the object path this proxy is bound to.
func (p *Player) Path() dbus.ObjectPath {
	return p.path
}

// Status reads the current transport status ("playing", "paused",
// "stopped"). A source that has not started streaming does not expose the
// property yet; that surfaces as ErrRemoteUnavailable and callers treat it
// as not playing.
func (p *Player) Status(ctx context.Context) (string, error) {
	var v dbus.Variant
	call := p.obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, PlayerInterface, "Status")
	if err := call.Store(&v); err != nil {
		return "", bus.WrapCallError(err)
	}
	status, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected Status type %T", v.Value())
	}
	return status, nil
}

// DevicePath reads the object path of the device backing this player.
func (p *Player) DevicePath(ctx context.Context) (string, error) {
	var v dbus.Variant
	call := p.obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, PlayerInterface, "Device")
	if err := call.Store(&v); err != nil {
		return "", bus.WrapCallError(err)
	}
	switch path := v.Value().(type) {
	case dbus.ObjectPath:
		return string(path), nil
	case string:
		return path, nil
	default:
		return "", fmt.Errorf("unexpected Device type %T", v.Value())
	}
}

// Play asks the source to resume playback.
func (p *Player) Play(ctx context.Context) error {
	return bus.WrapCallError(p.obj.CallWithContext(ctx, PlayerInterface+".Play", 0).Err)
}

// Pause asks the source to pause playback.
func (p *Player) Pause(ctx context.Context) error {
	return bus.WrapCallError(p.obj.CallWithContext(ctx, PlayerInterface+".Pause", 0).Err)
}

// MACFromDevicePath derives the hardware address from a BlueZ device path
// like /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF. The path is authoritative, so
// the address is recomputed on every play transition rather than cached.
func MACFromDevicePath(path string) (string, error) {
	idx := strings.LastIndex(path, "dev_")
	if idx < 0 {
		return "", fmt.Errorf("no device segment in path %q", path)
	}
	mac := strings.ReplaceAll(path[idx+len("dev_"):], "_", ":")
	if len(mac) != 17 {
		return "", fmt.Errorf("malformed device address in path %q", path)
	}
	return mac, nil
}

// TrackFromVariant flattens a BlueZ Track property into now-playing
// metadata. Values are stringified verbatim; nothing downstream depends on
// their contents.
func TrackFromVariant(track map[string]dbus.Variant) map[string]string {
	values := make(map[string]string, len(track))
	for key, v := range track {
		values[key] = fmt.Sprint(v.Value())
	}
	return values
}
