package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/matheus3301/msync/internal/api"
	"github.com/matheus3301/msync/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "msyncctl",
		Short:         "Control a running msyncd session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		statusCmd(),
		selectCmd(),
		sendCmd(),
		sendFileCmd(),
		downloadCmd(),
		conversationsCmd(),
		messagesCmd(),
		watchCmd(),
	)
	return root
}

// connect dials the daemon of the resolved session.
func connect() (*api.Client, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a request-scoped context.
func withClient(timeout time.Duration, fn func(ctx context.Context, c *api.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and channel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(timeoutFlag, func(ctx context.Context, c *api.Client) error {
				resp, err := c.GetStatus(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Printf("Session: %s\n", resp.Session)
				fmt.Printf("User:    %s\n", resp.UserID)
				fmt.Printf("Active:  %s\n", describeTarget(resp.Active))
				for _, ch := range resp.Channels {
					fmt.Printf("Channel: %-8s %s since %s\n", ch.Name, ch.State, ch.Since.Local().Format(time.DateTime))
				}
				if resp.Dropped > 0 {
					fmt.Printf("Dropped events: %d\n", resp.Dropped)
				}
				return nil
			})
		},
	}
}

func selectCmd() *cobra.Command {
	var receiver bool
	cmd := &cobra.Command{
		Use:   "select <conversation-id>",
		Short: "Select the conversation new messages go to",
		Long: `Select the conversation new messages go to.

With --receiver the argument is a user id, and the first message starts a
new conversation with them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := api.Target{ConversationID: args[0]}
			if receiver {
				t = api.Target{ReceiverID: args[0]}
			}
			return withClient(timeoutFlag, func(ctx context.Context, c *api.Client) error {
				resp, err := c.SelectConversation(ctx, t)
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Printf("Active: %s\n", describeTarget(resp.Active))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&receiver, "receiver", false, "argument is a receiver id")
	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>",
		Short: "Send a text message to the active conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(timeoutFlag, func(ctx context.Context, c *api.Client) error {
				resp, err := c.SendMessage(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Printf("Queued %s (%s)\n", resp.Message.ID, resp.Message.Status)
				return nil
			})
		},
	}
}

func sendFileCmd() *cobra.Command {
	var (
		text, conversation, receiver, resume string
	)
	cmd := &cobra.Command{
		Use:   "send-file [path]",
		Short: "Upload a file as a message",
		Long: `Upload a file as a message. The path is read by the daemon, so it must
exist on the daemon's host. With --resume, retry the staged upload of an
existing message instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SendFileRequest{
				Target:    api.Target{ConversationID: conversation, ReceiverID: receiver},
				Text:      text,
				MessageID: resume,
			}
			if len(args) == 1 {
				abs, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				req.Path = abs
			}
			if req.Path == "" && req.MessageID == "" {
				return fmt.Errorf("a path or --resume is required")
			}
			// Uploads run as long as they need.
			return withClient(0, func(ctx context.Context, c *api.Client) error {
				resp, err := c.SendMessageWithFile(ctx, req)
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Printf("Uploaded %s\n", resp.MessageID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message text sent with the file")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (default: active)")
	cmd.Flags().StringVar(&receiver, "receiver", "", "receiver id (default: active)")
	cmd.Flags().StringVar(&resume, "resume", "", "message id whose staged upload to resume")
	return cmd
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <key> <name>",
		Short: "Download an attachment into the session downloads directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(0, func(ctx context.Context, c *api.Client) error {
				resp, err := c.DownloadFile(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Printf("Saved to %s\n", resp.Path)
				return nil
			})
		},
	}
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(timeoutFlag, func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListConversations(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				for _, conv := range resp.Conversations {
					mark := ""
					if conv.Provisional {
						mark = " (pending)"
					}
					fmt.Printf("%-24s %-16s %4d msgs  %s%s\n", conv.ID, conv.Participant, conv.Count,
						conv.LastMessageDate.Local().Format(time.DateTime), mark)
				}
				return nil
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "List the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(timeoutFlag, func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				for _, m := range resp.Messages {
					body := m.Body
					if m.Attachment != nil {
						body = fmt.Sprintf("[%s] %s", m.Attachment.Name, body)
					}
					fmt.Printf("%s  %-12s %-9s %s\n", m.SendingTime.Local().Format(time.DateTime), m.SenderID, m.Status, body)
				}
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: "Stream daemon events, optionally filtered by kind prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace := ""
			if len(args) == 1 {
				namespace = args[0]
			}
			return withClient(0, func(ctx context.Context, c *api.Client) error {
				err := c.WatchEvents(ctx, namespace, func(evt *api.EventView) error {
					if jsonFlag {
						return outputJSON(evt)
					}
					fmt.Printf("%s  %-28s %s\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
					return nil
				})
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
}

func describeTarget(t api.Target) string {
	switch {
	case t.ConversationID != "":
		return t.ConversationID
	case t.ReceiverID != "":
		return "new conversation with " + t.ReceiverID
	default:
		return "(none)"
	}
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
