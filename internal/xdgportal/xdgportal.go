// Package xdgportal is a client for the org.freedesktop.portal.ScreenCast
// interface. Every request subscribes to its Response signal before the call
// is made; a user refusal surfaces as ErrCancelled.
package xdgportal

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"go2tv.app/capturekit/internal/apis"
	"go2tv.app/capturekit/internal/convert"
	"go2tv.app/capturekit/internal/request"
	"go2tv.app/capturekit/internal/session"
)

const (
	interfaceName     = apis.CallBaseName + ".ScreenCast"
	createSessionName = interfaceName + ".CreateSession"
	selectSourcesName = interfaceName + ".SelectSources"
	startName         = interfaceName + ".Start"
	openPipeWireName  = interfaceName + ".OpenPipeWireRemote"
)

// MinPersistVersion is the first ScreenCast version that accepts
// restore_token and persist_mode.
const MinPersistVersion = 4

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

var (
	// ErrCancelled is returned when the user dismissed the portal dialog.
	ErrCancelled = errors.New("xdgportal: request cancelled by user")
	// ErrEnded is returned when the portal ended the request on its own.
	ErrEnded = errors.New("xdgportal: request ended")
)

func getUint32Property(ctx context.Context, property string) (uint32, error) {
	value, err := apis.GetProperty(ctx, interfaceName, property)
	if err != nil {
		return 0, err
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

func GetAvailableSourceTypes(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "AvailableSourceTypes")
}

func GetAvailableCursorModes(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "AvailableCursorModes")
}

func GetVersion(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "version")
}

// Stream is one source the user granted in Start.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

type Session struct {
	Path dbus.ObjectPath
	// RestoreToken is set by Start when the portal returned one. Passing it
	// to a later SelectSources skips the source picker.
	RestoreToken string
}

type SelectSourcesOptions struct {
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

// call performs one portal request and waits for its Response.
func call(ctx context.Context, method string, options map[string]dbus.Variant, args ...any) (map[string]dbus.Variant, error) {
	options["handle_token"] = convert.FromString(session.GenerateToken())

	sub, err := apis.Subscribe(request.InterfaceName, request.ResponseMember)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	result, err := apis.Call(ctx, method, append(args, options)...)
	if err != nil {
		return nil, err
	}
	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("%s returned unexpected type %T", method, result)
	}

	status, results, err := request.Await(ctx, sub.C(), requestPath)
	if err != nil {
		return nil, err
	}
	return results, statusError(status)
}

func statusError(status request.ResponseStatus) error {
	switch status {
	case request.Success:
		return nil
	case request.Cancelled:
		return ErrCancelled
	default:
		return fmt.Errorf("%w: status %d", ErrEnded, status)
	}
}

// CreateSession opens a ScreenCast session on the portal.
func CreateSession(ctx context.Context) (*Session, error) {
	data := map[string]dbus.Variant{
		"session_handle_token": convert.FromString(session.GenerateToken()),
	}
	results, err := call(ctx, createSessionName, data)
	if err != nil {
		return nil, err
	}

	sessionHandle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession response missing session_handle")
	}
	switch v := sessionHandle.Value().(type) {
	case string:
		return &Session{Path: dbus.ObjectPath(v)}, nil
	case dbus.ObjectPath:
		return &Session{Path: v}, nil
	default:
		return nil, fmt.Errorf("CreateSession session_handle has unexpected type %T", v)
	}
}

func (s *Session) SelectSources(ctx context.Context, options *SelectSourcesOptions) error {
	_, err := call(ctx, selectSourcesName, selectSourcesData(options), s.Path)
	return err
}

func selectSourcesData(options *SelectSourcesOptions) map[string]dbus.Variant {
	data := map[string]dbus.Variant{}
	if options == nil {
		return data
	}
	if options.Types != 0 {
		data["types"] = convert.FromUint32(options.Types)
	}
	if options.Multiple {
		data["multiple"] = convert.FromBool(options.Multiple)
	}
	if options.CursorMode != 0 {
		data["cursor_mode"] = convert.FromUint32(options.CursorMode)
	}
	if options.RestoreToken != "" {
		data["restore_token"] = convert.FromString(options.RestoreToken)
	}
	if options.PersistMode != 0 {
		data["persist_mode"] = convert.FromUint32(options.PersistMode)
	}
	return data
}

// Start shows the source picker and returns the granted streams.
func (s *Session) Start(ctx context.Context, parentWindow string) ([]Stream, error) {
	results, err := call(ctx, startName, map[string]dbus.Variant{}, s.Path, parentWindow)
	if err != nil {
		return nil, err
	}
	if token, ok := results["restore_token"]; ok {
		if v, ok := token.Value().(string); ok {
			s.RestoreToken = v
		}
	}
	streamVariant, ok := results["streams"]
	if !ok {
		return nil, nil
	}
	return parseStreams(streamVariant.Value()), nil
}

// OpenPipeWireRemote returns a PipeWire connection limited to the streams
// granted in Start. The caller owns the file.
func (s *Session) OpenPipeWireRemote(ctx context.Context) (*os.File, error) {
	var fd dbus.UnixFD
	if err := apis.CallInto(ctx, openPipeWireName, &fd, s.Path, map[string]dbus.Variant{}); err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "pipewire"), nil
}

func (s *Session) Close(ctx context.Context) error {
	return session.Close(ctx, s.Path)
}

// parseStreams decodes the a(ua{sv}) streams result. Entries that do not
// have that shape are skipped.
func parseStreams(value any) []Stream {
	var rawStreams [][]any
	switch rs := value.(type) {
	case [][]any:
		rawStreams = rs
	case []any:
		for _, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams = append(rawStreams, s)
			}
		}
	default:
		return nil
	}

	streams := []Stream{}
	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}
		if nodeID, ok := streamSlice[0].(uint32); ok {
			stream.NodeID = nodeID
		}

		props, ok := streamSlice[1].(map[string]dbus.Variant)
		if ok {
			if pos, ok := props["position"]; ok {
				if position, ok := parseInt32Pair(pos.Value()); ok {
					stream.Position = position
				}
			}
			if size, ok := props["size"]; ok {
				if parsedSize, ok := parseInt32Pair(size.Value()); ok {
					stream.Size = parsedSize
				}
			}
			if sourceType, ok := props["source_type"]; ok {
				if parsedType, ok := sourceType.Value().(uint32); ok {
					stream.SourceType = parsedType
				}
			}
			if mappingID, ok := props["mapping_id"]; ok {
				if parsedID, ok := mappingID.Value().(string); ok {
					stream.MappingID = parsedID
				}
			}
			if id, ok := props["id"]; ok {
				if parsedID, ok := id.Value().(string); ok {
					stream.ID = parsedID
				}
			}
		}

		streams = append(streams, stream)
	}
	return streams
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}

	return [2]int32{left, right}, true
}
