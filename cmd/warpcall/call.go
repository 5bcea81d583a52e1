package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/ui"
)

var callCmd = &cobra.Command{
	Use:   "call <identity or name>",
	Short: "Call someone who is online",
	Long: `Call someone who is online and stay in the call until either side hangs up.

Examples:
  warpcall call user_3f1c...
  warpcall call bob --name alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadClientConfig()
		if err != nil {
			return err
		}
		conn, err := dial(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		return placeCall(cmd.Context(), conn, args[0])
	},
}

// lookup finds a user by identity, or by display name when that is unique.
func lookup(users []protocol.User, who string) (protocol.User, error) {
	if u, ok := lo.Find(users, func(u protocol.User) bool { return u.Identity == who }); ok {
		return u, nil
	}
	named := lo.Filter(users, func(u protocol.User, _ int) bool {
		return strings.EqualFold(u.DisplayName, who)
	})
	switch len(named) {
	case 0:
		return protocol.User{}, fmt.Errorf("%s is not online", who)
	case 1:
		return named[0], nil
	}
	return protocol.User{}, fmt.Errorf("%d users are called %s, use an identity", len(named), who)
}

func placeCall(ctx context.Context, conn *connection, who string) error {
	users, err := conn.firstUsers(ctx)
	if err != nil {
		return err
	}
	target, err := lookup(users, who)
	if err != nil {
		return err
	}
	if target.Identity == conn.Identity {
		return errors.New("you cannot call yourself")
	}

	phone := conn.phone()
	defer phone.Close()

	if err := phone.Call(target.Identity); err != nil {
		return err
	}

	sp := ui.NewWaitingSpinner(fmt.Sprintf("Calling %s...", target.DisplayName))
	sp.Start()
	defer sp.Stop()

	var connectedAt time.Time
	summary := func(outcome string) {
		duration := "-"
		if !connectedAt.IsZero() {
			duration = time.Since(connectedAt).Round(time.Second).String()
		}
		fmt.Println()
		fmt.Println(ui.CallSummaryView(ui.CallSummary{Peer: target.DisplayName, Outcome: outcome, Duration: duration}))
	}

	for {
		select {
		case <-ctx.Done():
			sp.Stop()
			_ = phone.Hangup()
			summary("hung up")
			return nil

		case env, ok := <-conn.handler.Signals:
			if !ok {
				sp.Error("Connection to relay lost")
				return errors.New("connection to relay lost")
			}
			if env.From != target.Identity {
				continue
			}
			if err := phone.Handle(env); err != nil {
				conn.log.Warn("signal not applied", "type", env.Type, "error", err)
			}

			switch env.Type {
			case protocol.TypeCallAccepted:
				sp.UpdateMessage(fmt.Sprintf("%s accepted, connecting...", target.DisplayName))
			case protocol.TypeAnswer:
				connectedAt = time.Now()
				sp.Success(fmt.Sprintf("%s In call with %s, press Ctrl+C to hang up", ui.IconInCall, target.DisplayName))
			case protocol.TypeCallRejected:
				sp.Error(fmt.Sprintf("%s did not take the call%s", target.DisplayName, reasonSuffix(env.Reason)))
				summary("rejected" + reasonSuffix(env.Reason))
				return nil
			case protocol.TypeCallEnded:
				sp.Stop()
				ui.PrintInfof("%s %s hung up%s", ui.IconHangup, target.DisplayName, reasonSuffix(env.Reason))
				summary("ended" + reasonSuffix(env.Reason))
				return nil
			case protocol.TypeChatMessage:
				ui.PrintInfof("%s %s: %s", ui.IconChat, env.FromDisplayName, env.Payload)
			}

		case env, ok := <-conn.handler.Errors:
			if ok {
				ui.PrintWarning("relay: " + env.Reason)
			}
		}
	}
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}

func init() {
	rootCmd.AddCommand(callCmd)
	addClientFlags(callCmd)
}
