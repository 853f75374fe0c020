package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/codealchemist/peer-meet/internal/config"
	"github.com/codealchemist/peer-meet/internal/engine"
	"github.com/codealchemist/peer-meet/internal/identity"
	"github.com/codealchemist/peer-meet/internal/logging"
	"github.com/codealchemist/peer-meet/internal/media"
	"github.com/codealchemist/peer-meet/internal/mesh"
	"github.com/codealchemist/peer-meet/internal/signaling"
	"github.com/codealchemist/peer-meet/internal/ui"
	"github.com/spf13/cobra"
)

const closeTimeout = 3 * time.Second

// Meeting is one participant's running session: the signaling client, the
// orchestrator on its loop, and the local media.
type Meeting struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     clock.Clock
	localID   string
	sessionID string
	creator   bool

	loop   *mesh.Loop
	client *signaling.Client
	orch   *mesh.Orchestrator
	hub    *media.Hub
	audio  *media.Beacon

	mu         sync.Mutex
	screen     *media.Beacon
	stopScreen context.CancelFunc
	ctx        context.Context
	cancel     context.CancelFunc
	tracker    *ui.Tracker
	nickname   string
}

// NewMeeting wires participant localID for sessionID.
func NewMeeting(cfg *config.Config, localID, sessionID string, creator bool) (*Meeting, error) {
	logger := logging.With("session", sessionID, "local", localID)
	clk := clock.New()

	factory, err := engine.NewFactory(engine.Options{
		ICE: engine.ICEConfig{
			STUNServers: cfg.GetSTUNServers(),
			TURNServers: cfg.GetTURNServers(),
			Username:    cfg.TURNUser,
			Credential:  cfg.TURNPass,
			ForceRelay:  cfg.ForceRelay,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine factory: %w", err)
	}

	audio, err := media.NewBeacon("audio", "silence", clk)
	if err != nil {
		return nil, err
	}

	m := &Meeting{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		localID:   localID,
		sessionID: sessionID,
		creator:   creator,
		loop:      mesh.NewLoop(clk, logger),
		client:    signaling.NewClient(cfg.SignalingURL, signaling.WithLogger(logger)),
		hub:       media.NewHub(),
		audio:     audio,
		tracker:   ui.NewTracker(clk.Now()),
		nickname:  identity.Nickname(localID),
	}

	m.orch, err = mesh.New(mesh.Options{
		LocalID:        localID,
		Transport:      m.client,
		Engines:        factory.New,
		Scheduler:      m.loop,
		Hub:            m.hub,
		Clock:          clk,
		Logger:         logger,
		Prewarm:        cfg.Prewarm,
		Trickle:        cfg.Trickle,
		ErrorPolicy:    mesh.ErrorPolicy(cfg.ErrorPolicy),
		MaxReconnects:  cfg.MaxReconnects,
		ReconnectDelay: cfg.ReconnectDelay,
		FlushInterval:  cfg.FlushInterval,
		LivenessProbe:  cfg.LivenessProbe > 0,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Start runs the loop and the local media and joins the session.
func (m *Meeting) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.loop.Run(m.ctx)
	go m.runBeacon(m.ctx, m.audio)

	m.orch.SetLocalStream(m.audio.Stream())
	if err := m.orch.Start(m.ctx, m.sessionID, m.creator); err != nil {
		m.cancel()
		return fmt.Errorf("join session: %w", err)
	}

	if d := m.cfg.LivenessProbe; d > 0 {
		go m.probe(d)
	}
	return nil
}

func (m *Meeting) runBeacon(ctx context.Context, b *media.Beacon) {
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("media stream stopped", "stream", b.Stream().ID, "err", err)
	}
}

func (m *Meeting) probe(every time.Duration) {
	ticker := m.clock.Ticker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.orch.Probe()
		}
	}
}

// Chat sends text to every connected peer.
func (m *Meeting) Chat(text string) {
	m.orch.SendChat(m.nickname, text)
}

// ToggleScreen starts or stops the auxiliary stream and reports whether it
// is now being sent.
func (m *Meeting) ToggleScreen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.screen != nil {
		m.orch.WithdrawStream(m.screen.Stream())
		m.stopScreen()
		m.screen, m.stopScreen = nil, nil
		return false
	}

	b, err := media.NewBeacon("screen", "screen-silence", m.clock)
	if err != nil {
		m.logger.Warn("screen stream not created", "err", err)
		return false
	}
	ctx, cancel := context.WithCancel(m.ctx)
	go m.runBeacon(ctx, b)
	m.orch.BroadcastStream(b.Stream())
	m.screen, m.stopScreen = b, cancel
	return true
}

// ShareURL is the link others open to join.
func (m *Meeting) ShareURL() string {
	return identity.ShareURL(m.cfg.ShareOrigin, m.sessionID)
}

// Close leaves the session and waits briefly for the teardown.
func (m *Meeting) Close() {
	m.orch.Close()
	select {
	case <-m.orch.Done():
	case <-time.After(closeTimeout):
		m.logger.Warn("teardown timed out")
	}
	if err := m.client.Close(); err != nil && !errors.Is(err, signaling.ErrClosed) {
		m.logger.Debug("close signaling client", "err", err)
	}
	m.cancel()
}

// Summary reports the session so far.
func (m *Meeting) Summary() ui.Summary {
	return m.tracker.Summary(m.sessionID, m.clock.Now())
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Headless mode reports through the logger, so it must show info.
	if flagHeadless && os.Getenv("LOG_LEVEL") == "" {
		slog.SetDefault(logging.New(os.Stderr, "info", os.Getenv("LOG_FORMAT")))
	}

	localID := identity.New()
	sessionID, creator, err := sessionFor(args, localID)
	if err != nil {
		return err
	}

	m, err := NewMeeting(cfg, localID, sessionID, creator)
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}

	if flagHeadless {
		err = m.runHeadless(cmd.Context())
	} else {
		err = m.runInteractive(cmd.Context())
	}
	m.Close()

	fmt.Println()
	ui.RenderSummary(m.Summary())
	return err
}

// sessionFor picks the session to enter. Without an argument localID creates
// a session named after itself; otherwise args[0] names the session to join.
func sessionFor(args []string, localID string) (sessionID string, creator bool, err error) {
	if len(args) == 0 {
		return localID, true, nil
	}
	sessionID, err = identity.ParseSessionURL(args[0])
	return sessionID, false, err
}

func (m *Meeting) runHeadless(ctx context.Context) error {
	if m.creator {
		ui.PrintInfof("Share %s to invite others", m.ShareURL())
	}
	ui.PrintInfof("Joined as %s", m.nickname)

	events := m.orch.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.tracker.Apply(ev)
			logEvent(m.logger, ev)
		}
	}
}

func logEvent(logger *slog.Logger, ev mesh.Event) {
	attrs := []any{"event", ev.Kind.String(), "remote", ev.RemoteID, "peer", identity.Nickname(ev.RemoteID)}
	switch ev.Kind {
	case mesh.EventPeerError:
		logger.Warn("peer failed", append(attrs, "err", ev.Err)...)
	case mesh.EventChat:
		logger.Info("chat", append(attrs, "text", ev.Text)...)
	case mesh.EventRTT:
		logger.Info("rtt", append(attrs, "rtt", ev.RTT)...)
	case mesh.EventPeerJoined, mesh.EventPeerConnected:
		logger.Info("peer", append(attrs, "role", ev.Role.String())...)
	default:
		if ev.Stream != nil {
			attrs = append(attrs, "stream", ev.Stream.ID)
		}
		logger.Info("peer", attrs...)
	}
}

func (m *Meeting) runInteractive(ctx context.Context) error {
	model := ui.NewRoomModel(ui.RoomOptions{
		LocalID:      m.localID,
		SessionID:    m.sessionID,
		ShareURL:     m.ShareURL(),
		Creator:      m.creator,
		Events:       m.orch.Events(),
		Chat:         m.Chat,
		ToggleScreen: m.ToggleScreen,
		Now:          m.clock.Now,
	})
	m.tracker = model.Tracker()

	if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run interface: %w", err)
	}
	return nil
}
