package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ashureev/flipside/internal/client"
	"github.com/ashureev/flipside/internal/domain"
)

func analyzeCmd(opts *rootOptions) *cobra.Command {
	var (
		typ    string
		noWait bool
		chat   bool
	)
	cmd := &cobra.Command{
		Use:   "analyze [url-or-text]",
		Short: "Start an analysis and follow its progress",
		Long: `Start an analysis of a URL or a block of text. Without an argument the
content is read from stdin. Progress events are streamed until the analysis
finishes; --chat starts the Socratic conversation right away instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			ctype := domain.ContentType(typ)
			if typ == "" {
				ctype = guessType(content)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := renderer{w: cmd.OutOrStdout()}
			if noWait {
				resp, err := opts.client().Analyze(ctx, ctype, content, chat)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.SessionID)
				return nil
			}

			sess := opts.session(out.event)
			defer sess.Close()

			if err := sess.Start(ctx, ctype, content, chat); err != nil {
				return err
			}
			st := sess.State()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.HiBlackString("session"), st.SessionID)

			if chat {
				return runChat(ctx, cmd.InOrStdin(), out, sess)
			}
			if err := sess.Wait(ctx); err != nil {
				return err
			}
			final := sess.State()
			if final.Status == client.StatusAnalyzing {
				res, err := opts.client().Result(ctx, final.SessionID)
				if err != nil {
					return err
				}
				out.result(res)
				return nil
			}
			out.result(client.Result{SessionID: final.SessionID, Status: domain.SessionStatus(final.Status), Result: final.Result, Error: final.Error})
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "Content type (url, text); guessed when empty")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Print the session id and exit")
	cmd.Flags().BoolVarP(&chat, "chat", "c", false, "Defer the analysis and start the conversation")
	return cmd
}

func resultCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result [session-id]",
		Short: "Show the status and result of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Result(cmd.Context(), args[0])
			if errors.Is(err, client.ErrSessionNotFound) {
				return fmt.Errorf("session %s not found (it may have expired)", args[0])
			}
			if err != nil {
				return err
			}
			renderer{w: cmd.OutOrStdout()}.result(res)
			return nil
		},
	}
}

func chatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [session-id]",
		Short: "Continue the Socratic conversation for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := renderer{w: cmd.OutOrStdout()}
			sess := opts.session(nil)
			defer sess.Close()
			sess.Attach(args[0])
			if err := sess.SyncConversation(ctx); err != nil {
				return err
			}
			for _, m := range sess.State().Chat.Messages {
				if m.Role == domain.RoleAssistant {
					out.assistant(m.Content)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.BlueString("you ›"), m.Content)
				}
			}
			return runChat(ctx, cmd.InOrStdin(), out, sess)
		},
	}
}

func healthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Status:        %s\n", color.GreenString(h.Status))
			fmt.Fprintf(w, "Mode:          %s\n", h.Mode)
			fmt.Fprintf(w, "Sessions:      %d\n", h.Sessions)
			fmt.Fprintf(w, "Connections:   %d\n", h.Connections)
			fmt.Fprintf(w, "Conversations: %d\n", h.Conversations)
			fmt.Fprintf(w, "Archive:       %s\n", h.Archive)
			return nil
		},
	}
}

// runChat prompts for the input each phase expects until the conversation
// completes or input ends.
func runChat(ctx context.Context, in io.Reader, out renderer, sess *client.Session) error {
	scanner := bufio.NewScanner(in)
	prompt := func(label string) (string, bool) {
		fmt.Fprintf(out.w, "%s ", color.BlueString(label))
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimSpace(scanner.Text()), true
	}

	for ctx.Err() == nil {
		st := sess.State().Chat
		if st.Phase == domain.PhaseComplete {
			out.mindShift(st.MindShift)
			return nil
		}

		var (
			reply client.ChatReply
			err   error
		)
		switch {
		case st.AwaitingBeliefScore != domain.BeliefNone:
			line, ok := prompt(fmt.Sprintf("how much do you agree with the article? (1-%d) ›", domain.MaxBeliefScore))
			if !ok {
				return scanner.Err()
			}
			score, convErr := strconv.Atoi(line)
			if convErr != nil {
				fmt.Fprintln(out.w, color.YellowString("please enter a number"))
				continue
			}
			reply, err = sess.SubmitBeliefScore(ctx, score)
		case st.AwaitingConfirmation:
			line, ok := prompt("agree? (y/n) ›")
			if !ok {
				return scanner.Err()
			}
			reply, err = sess.Confirm(ctx, strings.HasPrefix(strings.ToLower(line), "y"))
		case st.IsSearching:
			if err := sess.SyncConversation(ctx); err != nil {
				return err
			}
			synced := sess.State().Chat
			if !synced.IsSearching {
				msgs := synced.Messages
				if len(msgs) > 0 {
					out.assistant(msgs[len(msgs)-1].Content)
				}
				continue
			}
			line, ok := prompt("you ›")
			if !ok {
				return scanner.Err()
			}
			reply, err = sess.SendMessage(ctx, line)
		default:
			line, ok := prompt("you ›")
			if !ok {
				return scanner.Err()
			}
			reply, err = sess.SendMessage(ctx, line)
		}
		if err != nil {
			out.assistant(client.ApologyMessage)
			continue
		}
		out.assistant(reply.Response)
	}
	return ctx.Err()
}

func readContent(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	content := strings.TrimSpace(string(b))
	if content == "" {
		return "", errors.New("no content given")
	}
	return content, nil
}

func guessType(content string) domain.ContentType {
	if strings.HasPrefix(content, "http://") || strings.HasPrefix(content, "https://") {
		return domain.ContentURL
	}
	return domain.ContentText
}
