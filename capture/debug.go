package capture

import "go2tv.app/capturekit/internal/debuglog"

var logger = debuglog.New("capturekit/capture")
