// Package debug contains diagnostics that are only turned on through the
// debugging section of the config.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/embercore/internal/protocol"
)

var frameDumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// StartPprofServer starts the default pprof HTTP server that can be accessed via localhost
// to get runtime information about the server. See https://golang.org/pkg/net/http/pprof/
func StartPprofServer(logger logrus.FieldLogger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Warnf("error starting pprof server: %s", err)
		}
	}()
}

// FrameTracer returns a function suitable for protocol.CodecOptions.Trace that
// writes every frame to logger at debug level.
func FrameTracer(logger logrus.FieldLogger) func(protocol.Direction, protocol.Frame) {
	return func(direction protocol.Direction, f protocol.Frame) {
		logger.WithField("direction", direction).Debugf("frame:\n%s", DumpFrame(f))
	}
}

// DumpFrame renders f in a human readable form.
func DumpFrame(f protocol.Frame) string {
	return frameDumper.Sdump(f)
}
