package mux

import (
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Options tune the shared UDP socket.
type Options struct {
	Loopback bool
	Logger   logging.LeveledLogger
}

// WithUDPMux makes every PeerConnection built from engine share one UDP port.
// It is nil on platforms without UDP sockets.
var WithUDPMux func(engine *webrtc.SettingEngine, port uint16, opts Options) (ice.UDPMux, error)
