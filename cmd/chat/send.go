package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/session"
	"github.com/spf13/cobra"
)

func newSendCmd(opts *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the agent's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := dial(ctx, opts)
			if err != nil {
				return err
			}
			defer c.session.Close()

			changed := make(chan struct{}, 1)
			c.session.OnChange(func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})

			sent, err := c.session.Send(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			for {
				snap := c.session.Snapshot()
				if reply, ok := replyAfter(snap, sent.ID); ok {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
					return err
				}
				if e := snap.LastError; e != nil && !snap.IsRunning {
					return fmt.Errorf("agent run failed: %s (%s)", e.Message, e.Code)
				}
				select {
				case <-changed:
				case <-ctx.Done():
					if errors.Is(ctx.Err(), context.DeadlineExceeded) {
						return fmt.Errorf("no reply within %s", timeout)
					}
					return ctx.Err()
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the reply")
	return cmd
}

// replyAfter returns the first assistant message following messageID once
// the run that produced it is over.
func replyAfter(snap session.Snapshot, messageID string) (session.Message, bool) {
	if snap.IsRunning {
		return session.Message{}, false
	}
	found := false
	for _, m := range snap.Messages {
		if m.ID == messageID {
			found = true
			continue
		}
		if found && m.Role == protocol.RoleAssistant {
			return m, true
		}
	}
	return session.Message{}, false
}
