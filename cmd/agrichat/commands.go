package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	chatsvc "agrichat/internal/app/services/chat"
	domainchat "agrichat/internal/domain/chat"
)

func newRootCommand(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "agrichat",
		Short:         "Chat with farmers and laborers about a listing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&o.env, "env", o.env, "Environment name, selects the log format")
	flags.StringVar(&o.backendURL, "backend", o.backendURL, "Marketplace backend base URL")
	flags.StringVar(&o.session, "session", o.session, "Marketplace access token (AGRICHAT_SESSION)")
	flags.DurationVar(&o.backendTimeout, "backend-timeout", o.backendTimeout, "Backend request timeout")
	flags.StringVar(&o.mongoURI, "mongo-uri", o.mongoURI, "Chat store MongoDB URI")
	flags.StringVar(&o.mongoDB, "mongo-db", o.mongoDB, "Chat store database name")
	flags.StringVar(&o.chatSecret, "chat-secret", o.chatSecret, "Secret chat tokens are verified with (CHAT_TOKEN_SECRET)")
	flags.DurationVar(&o.refreshMargin, "refresh-margin", o.refreshMargin, "How long before expiry the chat token is renewed")

	root.AddCommand(
		newTokenCommand(o),
		newStartCommand(o),
		newSendCommand(o),
		newOpenCommand(o),
		newInboxCommand(o),
	)
	return root
}

func newTokenCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch a chat token from the backend and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.backendClient(o.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			token, err := client.FetchChatToken(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newStartCommand(o *options) *cobra.Command {
	var posterID, posterName, respondentID, respondentName, listingID, title string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create or find the conversation about a listing and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, func(ctx context.Context, s *chatSession) error {
				id, err := s.chats.CreateOrGetChat(ctx, posterID, posterName, respondentID, respondentName, listingID, title)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&posterID, "poster", "", "User id of the farmer who posted the listing")
	cmd.Flags().StringVar(&posterName, "poster-name", "", "Display name of the poster")
	cmd.Flags().StringVar(&respondentID, "respondent", "", "User id of the laborer responding")
	cmd.Flags().StringVar(&respondentName, "respondent-name", "", "Display name of the respondent")
	cmd.Flags().StringVar(&listingID, "listing", "", "Listing id")
	cmd.Flags().StringVar(&title, "title", "", "Listing title")
	for _, name := range []string{"poster", "respondent", "listing"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newSendCommand(o *options) *cobra.Command {
	var as, name, role string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text...>",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := domainchat.ParseConversationID(args[0])
			if err != nil {
				return err
			}
			if role == "" {
				role = string(roleOf(key, as))
			}
			return withSession(cmd, o, func(ctx context.Context, s *chatSession) error {
				res, err := s.chats.Send(ctx, chatsvc.SendParams{
					ConversationID: key.ConversationID(),
					SenderID:       as,
					SenderName:     name,
					SenderRole:     role,
					Body:           strings.Join(args[1:], " "),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.MessageID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Your user id")
	cmd.Flags().StringVar(&name, "name", "", "Your display name")
	cmd.Flags().StringVar(&role, "role", "", "Your role: poster|respondent (farmer|labour accepted); derived from the id when empty")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func newOpenCommand(o *options) *cobra.Command {
	var as string
	var once bool
	cmd := &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Follow a conversation and mark incoming messages read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, func(ctx context.Context, s *chatSession) error {
				return followConversation(ctx, s.chats, args[0], as, once, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Your user id")
	cmd.Flags().BoolVar(&once, "once", false, "Print the current history and exit")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func newInboxCommand(o *options) *cobra.Command {
	var as string
	var once bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List your conversations as poster and as respondent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, func(ctx context.Context, s *chatSession) error {
				return followInbox(ctx, s.chats, as, once, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Your user id")
	cmd.Flags().BoolVar(&once, "once", false, "Print the inbox once and exit")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func withSession(cmd *cobra.Command, o *options, fn func(ctx context.Context, s *chatSession) error) error {
	ctx := cmd.Context()
	s, err := o.open(ctx, o.logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	}()
	return fn(ctx, s)
}

// followConversation prints messages as they arrive. Like the chat screen,
// every snapshot holding unread messages from the other side marks them read.
func followConversation(ctx context.Context, chats *chatsvc.Service, conversationID, userID string, once bool, out io.Writer) error {
	snaps := make(chan []domainchat.Message, 1)
	failed := make(chan error, 1)
	unsubscribe, err := chats.SubscribeToMessages(ctx, conversationID, func(items []domainchat.Message) {
		latestOnly(snaps, items)
	}, chatsvc.WithErrorHandler(func(err error) {
		select {
		case failed <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer unsubscribe()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case items := <-snaps:
			for _, m := range items[min(printed, len(items)):] {
				fmt.Fprintln(out, formatMessage(m))
			}
			printed = len(items)
			if hasUnreadFor(items, userID) {
				if _, err := chats.MarkRead(ctx, conversationID, userID); err != nil {
					return err
				}
			}
			if once {
				return nil
			}
		}
	}
}

func followInbox(ctx context.Context, chats *chatsvc.Service, userID string, once bool, out io.Writer) error {
	snaps := make(chan []domainchat.Conversation, 1)
	failed := make(chan error, 1)
	unsubscribe, err := chats.SubscribeToChats(ctx, userID, func(items []domainchat.Conversation) {
		latestOnly(snaps, items)
	}, chatsvc.WithErrorHandler(func(err error) {
		select {
		case failed <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case items := <-snaps:
			if err := writeInbox(out, items, userID); err != nil {
				return err
			}
			if once {
				return nil
			}
		}
	}
}

// latestOnly replaces an unread snapshot instead of blocking the delivery goroutine.
func latestOnly[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func hasUnreadFor(items []domainchat.Message, userID string) bool {
	for _, m := range items {
		if m.SenderID != userID && !m.Read {
			return true
		}
	}
	return false
}

func roleOf(key domainchat.Key, userID string) domainchat.Role {
	if strings.TrimSpace(userID) == key.PosterID {
		return domainchat.RolePoster
	}
	return domainchat.RoleRespondent
}

func formatMessage(m domainchat.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	return fmt.Sprintf("[%s] %s (%s): %s", m.CreatedAt.Local().Format("15:04:05"), name, m.SenderRole, m.Body)
}

func writeInbox(out io.Writer, items []domainchat.Conversation, userID string) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWITH\tLISTING\tUNREAD\tLAST MESSAGE")
	for _, c := range items {
		with := c.RespondentName
		if userID == c.RespondentID {
			with = c.PosterName
		}
		last := ""
		if c.LastMessage != nil {
			last = *c.LastMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.ID, with, c.ListingTitle, c.Unread(userID), last)
	}
	if len(items) == 0 {
		fmt.Fprintln(tw, "(no conversations)")
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("agrichat: write inbox: %w", err)
	}
	return nil
}
