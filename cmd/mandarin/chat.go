package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mandarin "github.com/yaront1111/mandarin-sub008"
)

var chatVerbose bool

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "log channel activity")
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open a realtime conversation with a peer",
	Long: "Connect to the Mandarin channel and chat with the given peer.\n" +
		"Commands: /more /read /call /accept /decline /hangup /quit — anything else is sent as a message.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("no token configured; run 'mandarin init <token>' first")
		}

		log := newLogger(chatVerbose)
		opts := []mandarin.Option{mandarin.WithLogger(log)}
		if cfg.Server.URL != "" {
			opts = append(opts, mandarin.WithServerURL(cfg.Server.URL))
		}
		if cfg.Auth.UserID != "" {
			opts = append(opts, mandarin.WithSelfID(cfg.Auth.UserID))
		}

		session := mandarin.New(cfg.Auth.Token, opts...)
		defer session.Close()

		ctx := cmd.Context()
		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		peer := args[0]
		conv := session.Conversation(peer)

		printMsg := func(m mandarin.Message) {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.Sender, m.Content)
		}

		history, err := conv.LoadInitial(ctx)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, m := range history {
			printMsg(m)
		}

		conn := session.Connection()
		conn.Subscribe(mandarin.EventMessageReceived, func(p json.RawMessage) {
			var m mandarin.Message
			if json.Unmarshal(p, &m) == nil && m.Sender == peer {
				printMsg(m)
			}
		})
		conn.Subscribe(mandarin.EventTyping, func(p json.RawMessage) {
			var tp mandarin.TypingPayload
			if json.Unmarshal(p, &tp) == nil && tp.PeerID == peer {
				fmt.Printf("* %s is typing...\n", peer)
			}
		})
		conn.Subscribe(mandarin.EventIncomingCall, func(p json.RawMessage) {
			var cp mandarin.CallPayload
			if json.Unmarshal(p, &cp) == nil {
				fmt.Printf("* incoming call from %s (/accept or /decline)\n", cp.PeerID)
			}
		})
		session.OnConnectionChanged(func(connected bool) {
			if connected {
				// The channel replays nothing missed while offline; reload.
				if _, err := conv.LoadInitial(context.Background()); err != nil {
					log.Warn("resync after reconnect failed", zap.Error(err))
				}
				fmt.Println("* reconnected")
			} else {
				fmt.Println("* connection lost, retrying...")
			}
		})

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "/quit":
				return nil
			case "/more":
				older, err := conv.LoadMore(ctx)
				if err != nil {
					fmt.Printf("! load more: %v\n", err)
					continue
				}
				for _, m := range older {
					printMsg(m)
				}
				if !conv.HasMore() {
					fmt.Println("* beginning of conversation")
				}
			case "/read":
				if err := conv.MarkRead(ctx); err != nil {
					fmt.Printf("! mark read: %v\n", err)
				}
			case "/call":
				if _, err := session.Calls().Initiate(peer); err != nil {
					fmt.Printf("! call: %v\n", err)
				} else {
					fmt.Println("* ringing...")
				}
			case "/accept":
				if _, err := session.Calls().Accept(); err != nil {
					fmt.Printf("! accept: %v\n", err)
				} else {
					fmt.Println("* call active")
				}
			case "/decline":
				if _, err := session.Calls().Decline(); err != nil {
					fmt.Printf("! decline: %v\n", err)
				}
			case "/hangup":
				session.Calls().Hangup()
				fmt.Println("* call ended")
			default:
				if _, err := conv.Send(line, mandarin.TypeText, nil); err != nil {
					fmt.Printf("! send: %v\n", err)
				}
			}
		}
		return scanner.Err()
	},
}
