// Package request waits on org.freedesktop.portal.Request objects.
package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"go2tv.app/capturekit/internal/apis"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	InterfaceName  = "org.freedesktop.portal.Request"
	ResponseMember = "Response"
	closeCallName  = InterfaceName + ".Close"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

func Close(ctx context.Context, path dbus.ObjectPath) error {
	return apis.CallOnObject(ctx, path, closeCallName)
}

// Await returns the Response emitted for the request at path. Signals for
// other requests are skipped. If ctx ends first the request is closed.
func Await(ctx context.Context, signals <-chan *dbus.Signal, path dbus.ObjectPath) (ResponseStatus, map[string]dbus.Variant, error) {
	for {
		select {
		case <-ctx.Done():
			_ = Close(context.WithoutCancel(ctx), path)
			return Ended, nil, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return Ended, nil, fmt.Errorf("%w: signal channel closed", ErrUnexpectedResponse)
			}
			if sig == nil || sig.Path != path || sig.Name != InterfaceName+"."+ResponseMember {
				continue
			}
			return ParseResponse(sig.Body)
		}
	}
}

// ParseResponse decodes the (u, a{sv}) body of a Response signal.
func ParseResponse(body []any) (ResponseStatus, map[string]dbus.Variant, error) {
	if len(body) != 2 {
		return Ended, nil, ErrUnexpectedResponse
	}

	status, ok := body[0].(ResponseStatus)
	if !ok {
		return Ended, nil, fmt.Errorf("%w: status has type %T", ErrUnexpectedResponse, body[0])
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return Ended, nil, fmt.Errorf("%w: results have type %T", ErrUnexpectedResponse, body[1])
	}
	return status, results, nil
}
