package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slidecast/slidecast/internal/config"
	"github.com/slidecast/slidecast/internal/logging"
	"github.com/slidecast/slidecast/internal/peer"
	"github.com/slidecast/slidecast/internal/presenter"
	"github.com/slidecast/slidecast/internal/protocol"
	"github.com/slidecast/slidecast/internal/signaling"
	"github.com/slidecast/slidecast/internal/state"
	"github.com/slidecast/slidecast/internal/ui"
)

var (
	flagSignal   string
	flagToken    string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
)

var presentCmd = &cobra.Command{
	Use:   "present",
	Short: "Create a session and broadcast state to viewers",
	Long: `Create a broadcast session and relay local state changes to every
connected viewer.

State is driven from stdin:
  set <key> <json>    update state (cached and replayed to late joiners)
  send <key> <json>   fire a one-shot event
  quit                end the session

Examples:
  slidecast present
  slidecast present --token QZWXEC
  slidecast present --signal wss://relay.example.com/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPresent()
	},
}

func runPresent() error {
	logging.Init(false)

	cfg, err := config.Load(config.Options{
		SignalURL:  flagSignal,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
	})
	if err != nil {
		return err
	}

	token := flagToken
	if token == "" {
		token = protocol.GenerateToken()
	}
	if !protocol.ValidToken(token) {
		return fmt.Errorf("token must be %d characters", protocol.TokenLength)
	}
	token = protocol.NormalizeToken(token)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sp := ui.NewConnectionSpinner("Connecting to relay...")
	sp.Start()
	defer sp.Stop()

	channel, err := signaling.Dial(ctx, cfg.Signal)
	if err != nil {
		sp.Error("Could not reach the relay")
		return err
	}

	store := state.NewStore()
	mgr, err := presenter.Start(ctx, presenter.Options{
		Token:   protocol.SessionName(token),
		Channel: channel,
		Factory: peer.NewFactory(cfg),
		Store:   store,
		Status: func(s presenter.Status) {
			ui.PrintStatus(s.Message())
		},
		ReplayPacing: cfg.Session.ReplayPacing,
	})
	if err != nil {
		sp.Error("Could not create the session")
		channel.Close()
		return err
	}
	defer mgr.Destroy()
	sp.Success("Session is live")

	ui.RenderToken(token)

	lines := readLines(ctx)
	for line := range lines {
		if done := runPresenterCommand(mgr, store, line); done {
			break
		}
	}
	return nil
}

// runPresenterCommand executes one stdin command. It reports true when the
// session should end.
func runPresenterCommand(mgr *presenter.Manager, store *state.Store, line string) bool {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	switch fields[0] {
	case "":
		return false

	case "quit", "exit":
		return true

	case "set":
		if len(fields) < 3 {
			ui.PrintWarning("usage: set <key> <json>")
			return false
		}
		if !json.Valid([]byte(fields[2])) {
			ui.PrintWarning("value is not valid JSON")
			return false
		}
		store.Set(fields[1], json.RawMessage(fields[2]))

	case "send":
		if len(fields) < 3 {
			ui.PrintWarning("usage: send <key> <json>")
			return false
		}
		if !json.Valid([]byte(fields[2])) {
			ui.PrintWarning("value is not valid JSON")
			return false
		}
		if err := mgr.SendEvent(fields[1], json.RawMessage(fields[2])); err != nil {
			ui.PrintErrorf("send failed: %v", err)
		}

	default:
		ui.PrintErrorf("unknown command %q", fields[0])
	}
	return false
}

// readLines delivers stdin lines until EOF or the context ends.
func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func init() {
	rootCmd.AddCommand(presentCmd)

	presentCmd.Flags().StringVar(&flagSignal, "signal", "", "Relay websocket URL")
	presentCmd.Flags().StringVar(&flagToken, "token", "", "Session token (random if omitted)")
	presentCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	presentCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	presentCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	presentCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
}
