// Package apis wraps the session-bus calls made against
// org.freedesktop.portal.Desktop.
package apis

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

// Call invokes callName on the portal object and decodes its single result.
func Call(ctx context.Context, callName string, args ...any) (any, error) {
	var result any
	err := CallInto(ctx, callName, &result, args...)
	return result, err
}

// CallInto invokes callName on the portal object and stores its results
// into dest.
func CallInto(ctx context.Context, callName string, dest any, args ...any) error {
	call, err := callOnObject(ctx, ObjectPath, callName, args...)
	if err != nil {
		return err
	}
	return call.Store(dest)
}

// CallOnObject invokes callName on a portal-owned object such as a session
// or request handle, discarding any result.
func CallOnObject(ctx context.Context, path dbus.ObjectPath, callName string, args ...any) error {
	_, err := callOnObject(ctx, path, callName, args...)
	return err
}

func callOnObject(ctx context.Context, path dbus.ObjectPath, callName string, args ...any) (*dbus.Call, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(ObjectName, path)
	call := obj.CallWithContext(ctx, callName, 0, args...)
	return call, call.Err
}

// GetProperty reads one property of a portal interface.
func GetProperty(ctx context.Context, interfaceName, property string) (any, error) {
	call, err := callOnObject(ctx, ObjectPath, PropertiesGetName, interfaceName, property)
	if err != nil {
		return nil, err
	}

	var value dbus.Variant
	if err := call.Store(&value); err != nil {
		return nil, err
	}
	return value.Value(), nil
}

// Subscription receives one kind of signal until closed. Signals from every
// object path are delivered; receivers filter by path.
type Subscription struct {
	conn    *dbus.Conn
	ch      chan *dbus.Signal
	options []dbus.MatchOption
}

// Subscribe starts listening for iface.member signals on the session bus.
func Subscribe(iface, member string) (*Subscription, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	options := []dbus.MatchOption{
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
	if err := conn.AddMatchSignal(options...); err != nil {
		return nil, err
	}

	ch := make(chan *dbus.Signal, 8)
	conn.Signal(ch)
	return &Subscription{conn: conn, ch: ch, options: options}, nil
}

func (s *Subscription) C() <-chan *dbus.Signal {
	return s.ch
}

func (s *Subscription) Close() error {
	s.conn.RemoveSignal(s.ch)
	return s.conn.RemoveMatchSignal(s.options...)
}
