//go:build !(js || wasip1)

package mux

import (
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

func init() {
	WithUDPMux = func(engine *webrtc.SettingEngine, port uint16, opts Options) (mux ice.UDPMux, err error) {
		var muxOpts []ice.UDPMuxFromPortOption
		if opts.Loopback {
			muxOpts = append(muxOpts, ice.UDPMuxFromPortWithLoopback())
		}
		if opts.Logger != nil {
			muxOpts = append(muxOpts, ice.UDPMuxFromPortWithLogger(opts.Logger))
		}
		if mux, err = ice.NewMultiUDPMuxFromPort(int(port), muxOpts...); err != nil {
			return
		}
		engine.SetICEUDPMux(mux)
		return
	}
}
