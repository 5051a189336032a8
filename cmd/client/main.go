package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/relay-chat/internal/client"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/pkg/protocol"
)

type options struct {
	server   string
	id       string
	logLevel string
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "relay-client",
		Short:         "Command-line client for the chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "relay base URL")
	rootCmd.PersistentFlags().StringVar(&opts.id, "id", "", "external id to connect as (required)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")
	rootCmd.MarkPersistentFlagRequired("id")

	rootCmd.AddCommand(chatCmd(opts), sendFileCmd(opts), historyCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// wsURL turns http://host into ws://host/ws/{id}.
func wsURL(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("ws", id).String(), nil
}

func connect(ctx context.Context, opts *options) (*client.Client, error) {
	log, err := logging.New(opts.logLevel, "console")
	if err != nil {
		return nil, err
	}
	addr, err := wsURL(opts.server, opts.id)
	if err != nil {
		return nil, err
	}
	c := client.New(addr, client.WithLogger(log))
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func chatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively; each stdin line is sent as a message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			out := cmd.OutOrStdout()
			go func() {
				for f := range c.Events() {
					printEvent(out, f)
				}
				stop()
			}()

			fmt.Fprintln(out, "Connected. Type messages, /file <path> to upload, /quit to exit.")
			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if quit := handleLine(c, strings.TrimSpace(line), out); quit {
						return nil
					}
				}
			}
		},
	}
}

func handleLine(c *client.Client, line string, out io.Writer) bool {
	switch {
	case line == "":
	case line == "/quit" || line == "/exit":
		return true
	case strings.HasPrefix(line, "/file "):
		if _, err := upload(c, strings.TrimSpace(strings.TrimPrefix(line, "/file "))); err != nil {
			fmt.Fprintf(out, "upload failed: %v\n", err)
		}
	default:
		if _, err := c.SendText(line); err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
		}
	}
	return false
}

// typeFor picks the message type from the file extension.
func typeFor(path string) protocol.MessageType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return protocol.MessageTypeImage
	case ".mp3", ".ogg", ".wav", ".m4a", ".amr":
		return protocol.MessageTypeVoice
	case ".mp4", ".webm", ".mov":
		return protocol.MessageTypeVideo
	default:
		return protocol.MessageTypeFile
	}
}

func upload(c *client.Client, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	t := typeFor(path)
	name := ""
	if t == protocol.MessageTypeFile {
		name = filepath.Base(path)
	}
	return c.SendFile(t, name, f)
}

func printEvent(out io.Writer, f protocol.ControlFrame) {
	switch f.Type {
	case protocol.FrameMessage:
		m := f.Message
		ts := time.Unix(m.Timestamp, 0).Format(time.TimeOnly)
		fmt.Fprintf(out, "%s [%s] %s: %s\n", ts, m.Type, m.Author.DisplayName, m.Content)
	case protocol.FrameNewConnection:
		fmt.Fprintf(out, "*** %s joined ***\n", f.User.DisplayName)
	case protocol.FrameNewDisconnection:
		fmt.Fprintf(out, "*** %s left ***\n", f.User.DisplayName)
	case protocol.FrameUpdateUser:
		fmt.Fprintf(out, "*** %s updated their profile ***\n", f.User.DisplayName)
	case protocol.FrameNeedSync:
		fmt.Fprintln(out, "*** messages were missed; run history to catch up ***")
	}
}

func sendFileCmd(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send-file <path>",
		Short: "Upload a file in chunks and wait for the server to confirm it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			c, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			clientID, err := upload(c, args[0])
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return fmt.Errorf("upload %s not confirmed: %w", clientID, ctx.Err())
				case f, ok := <-c.Events():
					if !ok {
						return fmt.Errorf("connection closed before upload %s was confirmed", clientID)
					}
					if f.Type == protocol.FrameMessage && f.Message.ClientID == clientID {
						fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s as message %d (%s)\n", args[0], f.Message.ID, f.Message.Content)
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "timeout", time.Minute, "how long to wait for confirmation")
	return cmd
}

func historyCmd(opts *options) *cobra.Command {
	var afterID int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored messages and clear the resync flag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			messages, err := client.FetchHistory(cmd.Context(), nil, opts.server, opts.id, afterID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range messages {
				printEvent(out, protocol.MessageFrame(m))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&afterID, "after-id", -1, "only messages after this id; negative uses the server default window")
	return cmd
}
