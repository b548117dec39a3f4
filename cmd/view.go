package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/slidecast/slidecast/internal/config"
	"github.com/slidecast/slidecast/internal/logging"
	"github.com/slidecast/slidecast/internal/peer"
	"github.com/slidecast/slidecast/internal/protocol"
	"github.com/slidecast/slidecast/internal/signaling"
	"github.com/slidecast/slidecast/internal/state"
	"github.com/slidecast/slidecast/internal/ui"
	"github.com/slidecast/slidecast/internal/viewer"
)

var (
	flagViewerSignal   string
	flagViewerSTUN     string
	flagViewerTURN     string
	flagViewerTURNUser string
	flagViewerTURNPass string
)

var viewCmd = &cobra.Command{
	Use:   "view <token>",
	Short: "Join a session and follow the presenter",
	Long: `Join a presenter's session with its token and print every state
change and event as it arrives.

Examples:
  slidecast view QZWXEC
  slidecast view QZWXEC --signal wss://relay.example.com/ws`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runView(args[0])
	},
}

func runView(token string) error {
	logging.Init(false)

	if !protocol.ValidToken(token) {
		return fmt.Errorf("token must be %d characters", protocol.TokenLength)
	}

	cfg, err := config.Load(config.Options{
		SignalURL:  flagViewerSignal,
		STUNServer: flagViewerSTUN,
		TURNServer: flagViewerTURN,
		TURNUser:   flagViewerTURNUser,
		TURNPass:   flagViewerTURNPass,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	channel, err := signaling.Dial(ctx, cfg.Signal)
	stopSpinner()
	if err != nil {
		return err
	}

	store := state.NewStore()
	unsubscribeState := store.Subscribe(func(key string, data json.RawMessage) {
		fmt.Printf("%s = %s\n", ui.TitleStyle.Render(key), string(data))
	})
	defer unsubscribeState()

	stopWaiting := ui.RunWaitingSpinner("Waiting for the presenter...")
	mgr, err := viewer.Start(ctx, viewer.Options{
		Token:   protocol.SessionName(token),
		Channel: channel,
		Factory: peer.NewFactory(cfg),
		Store:   store,
		Status: func(s viewer.Status) {
			ui.PrintStatus(s.Message())
		},
		RetryDelay: cfg.Session.JoinRetryDelay,
		RetryMax:   cfg.Session.JoinRetryMax,
	})
	stopWaiting()
	if err != nil {
		channel.Close()
		return err
	}
	defer mgr.Destroy()
	ui.PrintSuccess("Connected to the presenter")

	unsubscribeEvents := mgr.SubscribeAll(func(key string, data json.RawMessage) {
		fmt.Printf("%s %s\n", ui.MutedStyle.Render("event "+key), string(data))
	})
	defer unsubscribeEvents()

	<-ctx.Done()
	return nil
}

func init() {
	rootCmd.AddCommand(viewCmd)

	viewCmd.Flags().StringVar(&flagViewerSignal, "signal", "", "Relay websocket URL")
	viewCmd.Flags().StringVarP(&flagViewerSTUN, "stun", "s", "", "Custom STUN server")
	viewCmd.Flags().StringVarP(&flagViewerTURN, "turn", "t", "", "Custom TURN server")
	viewCmd.Flags().StringVar(&flagViewerTURNUser, "turn-user", "", "TURN username")
	viewCmd.Flags().StringVar(&flagViewerTURNPass, "turn-pass", "", "TURN password")
}
