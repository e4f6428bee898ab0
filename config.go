package negortc

import (
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/shynome/negortc/mux"
)

type options struct {
	loggerFactory logging.LoggerFactory
	appendix      string
}

type Option func(*options)

// WithLoggerFactory sets where negotiation logs go. The default factory
// writes errors only.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *options) {
		if f != nil {
			o.loggerFactory = f
		}
	}
}

// WithAppendix attaches free-form text to every description a Switchboard
// sends.
func WithAppendix(s string) Option {
	return func(o *options) { o.appendix = s }
}

func newOptions(opts []Option) options {
	o := options{loggerFactory: logging.NewDefaultLoggerFactory()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Config struct {
	ICEServers []webrtc.ICEServer
	// UDPPort makes all connections share one UDP port. Zero keeps pion's
	// ephemeral ports.
	UDPPort uint16
	// IncludeLoopback gathers loopback candidates, handy for same-host peers.
	IncludeLoopback bool
	LoggerFactory   logging.LoggerFactory
}

// API builds connections sharing one setting engine.
type API struct {
	*webrtc.API
	config Config
	mux    ice.UDPMux
}

func (c Config) NewAPI() (api *API, err error) {
	settingEngine := webrtc.SettingEngine{}
	if c.LoggerFactory != nil {
		settingEngine.LoggerFactory = c.LoggerFactory
	}
	settingEngine.SetIncludeLoopbackCandidate(c.IncludeLoopback)

	api = &API{config: c}
	if c.UDPPort != 0 {
		if mux.WithUDPMux == nil {
			return nil, errors.New("shared udp port is not supported on this platform")
		}
		opts := mux.Options{Loopback: c.IncludeLoopback}
		if c.LoggerFactory != nil {
			opts.Logger = c.LoggerFactory.NewLogger("mux")
		}
		if api.mux, err = mux.WithUDPMux(&settingEngine, c.UDPPort, opts); err != nil {
			return nil, errors.Wrapf(err, "listen udp port %d", c.UDPPort)
		}
	}
	api.API = webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api, nil
}

// NewPeer creates a Peer configured with the API's ICE servers.
func (api *API) NewPeer() (*Peer, error) {
	config := webrtc.Configuration{ICEServers: api.config.ICEServers}
	return NewPeer(api.API, config, WithLoggerFactory(api.config.LoggerFactory))
}

func (api *API) Close() error {
	if api.mux != nil {
		return api.mux.Close()
	}
	return nil
}
