// Package session manages org.freedesktop.portal.Session handles and the
// tokens used to name them.
package session

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"go2tv.app/capturekit/internal/apis"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	closeCallName = interfaceName + ".Close"
)

func Close(ctx context.Context, path dbus.ObjectPath) error {
	return apis.CallOnObject(ctx, path, closeCallName)
}

// GenerateToken returns a random handle token. Portal tokens must be valid
// object path elements, so only [A-Za-z0-9_] may appear.
func GenerateToken() string {
	str := strings.Builder{}
	str.WriteString("capturekit")
	a, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	str.WriteString(strconv.FormatUint(a.Uint64(), 16))
	return str.String()
}
