package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const replHelp = `commands:
  /retry          resend the last message that failed
  /regen          ask the agent to answer the last message again
  /new            start a new conversation
  /load <id>      switch to a stored conversation
  /list           list stored conversations
  /agent <id>     switch agent
  /quit           exit`

var errQuit = errors.New("quit")

func newReplCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Chat interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := dial(ctx, opts)
			if err != nil {
				return err
			}
			defer c.session.Close()

			out := cmd.OutOrStdout()
			r := newRenderer(out)
			r.replay(c.session.Snapshot())
			c.session.OnChange(func() { r.render(c.session.Snapshot()) })

			snap := c.session.Snapshot()
			fmt.Fprintf(out, "conversation %s (type /help for commands)\n", snap.ConversationID)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				err := handleLine(ctx, c, r, out, line)
				if errors.Is(err, errQuit) {
					return nil
				}
				if err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
			return scanner.Err()
		},
	}
}

func handleLine(ctx context.Context, c *client, r *renderer, out io.Writer, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := c.session.Send(ctx, line)
		return err
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, replHelp)
	case "/retry":
		failed, ok := lastFailed(c.session.Snapshot())
		if !ok {
			return errors.New("nothing to retry")
		}
		_, err := c.session.Retry(ctx, failed.ID, failed.Content)
		return err
	case "/regen":
		_, ok, err := c.session.RegenerateLast(ctx)
		if err == nil && !ok {
			return errors.New("no user message to regenerate")
		}
		return err
	case "/new":
		r.pause()
		id, err := c.session.StartNewConversation()
		if err != nil {
			r.resume()
			return err
		}
		fmt.Fprintf(out, "conversation %s\n", id)
		r.restart(c.session.Snapshot())
	case "/load":
		if arg == "" {
			return errors.New("usage: /load <conversation id>")
		}
		r.pause()
		err := c.session.LoadConversation(ctx, arg)
		if err != nil {
			r.resume()
			return err
		}
		fmt.Fprintf(out, "conversation %s\n", arg)
		r.restart(c.session.Snapshot())
	case "/list":
		convs, err := c.transport.Conversations(ctx)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "no conversations yet")
		}
		for _, conv := range convs {
			fmt.Fprintf(out, "%s  %s  %s\n", conv.ID, conv.UpdatedAt.Local().Format("2006-01-02 15:04"), conv.Title)
		}
	case "/agent":
		if err := c.session.SetAgent(arg); err != nil {
			return err
		}
		if arg == "" {
			fmt.Fprintln(out, "using the default agent")
		} else {
			fmt.Fprintf(out, "agent %s\n", arg)
		}
	default:
		return fmt.Errorf("unknown command %s (try /help)", name)
	}
	return nil
}

