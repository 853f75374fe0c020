package engine

import (
	"fmt"
	"log/slog"

	"github.com/codealchemist/peer-meet/internal/mesh"
	"github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"
)

// DataChannelLabel names the data channel every peer pair shares.
const DataChannelLabel = "peer-meet"

// Options configure a Factory.
type Options struct {
	ICE ICEConfig

	// Net replaces the host network stack, e.g. with a virtual network.
	Net transport.Net

	Logger *slog.Logger
}

// Factory creates pion-backed engines sharing one API instance.
type Factory struct {
	api    *pion.API
	config pion.Configuration
	logger *slog.Logger
}

// NewFactory builds the media and setting engines once for all peers.
func NewFactory(opts Options) (*Factory, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	s := pion.SettingEngine{
		LoggerFactory: NewLoggerFactory(logger),
	}
	if opts.Net != nil {
		s.SetNet(opts.Net)
	}

	return &Factory{
		api:    pion.NewAPI(pion.WithMediaEngine(m), pion.WithSettingEngine(s)),
		config: opts.ICE.Configuration(),
		logger: logger.With("component", "engine"),
	}, nil
}

// New creates an engine for one remote. It satisfies mesh.EngineFactory.
func (f *Factory) New(opts mesh.EngineOptions, events mesh.EngineEvents) (mesh.Engine, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	remote := opts.RemoteID
	if remote == "" {
		remote = "(unbound)"
	}
	p := newPeer(pc, opts, events, f.logger.With("remote", remote))

	for _, s := range opts.Streams {
		if err := p.AddStream(s); err != nil {
			pc.Close()
			return nil, err
		}
	}
	return p, nil
}
