package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codealchemist/peer-meet/internal/config"
	"github.com/codealchemist/peer-meet/internal/ui"
	"github.com/codealchemist/peer-meet/internal/version"
	"github.com/spf13/cobra"
)

var (
	flagConfig         string
	flagDomain         string
	flagSignalingURL   string
	flagShareOrigin    string
	flagSTUN           string
	flagTURN           string
	flagTURNUser       string
	flagTURNPass       string
	flagRelay          bool
	flagTrickle        bool
	flagPrewarm        bool
	flagErrorPolicy    string
	flagMaxReconnects  int
	flagReconnectDelay time.Duration
	flagFlushInterval  time.Duration
	flagProbe          time.Duration
	flagHeadless       bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peer-meet [session-id|url]",
	Short: "Peer-to-peer meeting rooms over a WebRTC mesh",
	Long: `peer-meet connects everyone in a session directly to everyone else using
WebRTC. Run it without arguments to create a session and share the link, or
pass a session id or link to join one.

Examples:
  peer-meet
  peer-meet 3oJbKcXWvfDUiPQDVqdfZk
  peer-meet https://meet.codealchemist.dev/3oJbKcXWvfDUiPQDVqdfZk
  peer-meet --headless --error-policy reconnect 3oJbKcXWvfDUiPQDVqdfZk`,
	Args:    cobra.MaximumNArgs(1),
	Version: version.Version,
	RunE:    runSession,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to the YAML config file")
	pf.StringVar(&flagDomain, "domain", "", "server domain (derives signaling URL and share origin)")
	pf.StringVar(&flagSignalingURL, "signaling-url", "", "relay WebSocket base URL, e.g. wss://host/ws")
	pf.StringVar(&flagShareOrigin, "share-origin", "", "origin used for share links")
	pf.StringVar(&flagSTUN, "stun", "", "STUN server URL")
	pf.StringVar(&flagTURN, "turn", "", "TURN server URL")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")

	f := rootCmd.Flags()
	f.BoolVar(&flagRelay, "relay", false, "force all media through TURN")
	f.BoolVar(&flagTrickle, "trickle", true, "send ICE candidates as they are found")
	f.BoolVar(&flagPrewarm, "prewarm", true, "start negotiating before anyone joins a created session")
	f.StringVar(&flagErrorPolicy, "error-policy", "", "what to do when a peer connection fails: teardown or reconnect")
	f.IntVar(&flagMaxReconnects, "max-reconnects", 0, "reconnect attempts per peer under the reconnect policy")
	f.DurationVar(&flagReconnectDelay, "reconnect-delay", 0, "wait before reconnecting, e.g. 2s")
	f.DurationVar(&flagFlushInterval, "flush-interval", 0, "retry interval for buffered signals, e.g. 1s")
	f.DurationVar(&flagProbe, "probe", 0, "ping connected peers at this interval, e.g. 5s (0 disables)")
	f.BoolVar(&flagHeadless, "headless", false, "log events instead of showing the interactive view")

	rootCmd.AddCommand(relayCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

// configOptions collects the flags the user actually set.
func configOptions(cmd *cobra.Command) config.Options {
	opts := config.Options{
		ConfigFile:   flagConfig,
		Domain:       flagDomain,
		SignalingURL: flagSignalingURL,
		ShareOrigin:  flagShareOrigin,
		STUNServer:   flagSTUN,
		TURNServer:   flagTURN,
		TURNUser:     flagTURNUser,
		TURNPass:     flagTURNPass,
		ErrorPolicy:  flagErrorPolicy,
	}

	flags := cmd.Flags()
	if flags.Changed("relay") {
		opts.ForceRelay = &flagRelay
	}
	if flags.Changed("trickle") {
		opts.Trickle = &flagTrickle
	}
	if flags.Changed("prewarm") {
		opts.Prewarm = &flagPrewarm
	}
	if flags.Changed("max-reconnects") {
		opts.MaxReconnects = &flagMaxReconnects
	}
	if flags.Changed("reconnect-delay") {
		opts.ReconnectDelay = flagReconnectDelay
	}
	if flags.Changed("flush-interval") {
		opts.FlushInterval = flagFlushInterval
	}
	if flags.Changed("probe") {
		opts.LivenessProbe = &flagProbe
	}
	return opts
}
