package main

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/ui"
)

var lobbyCmd = &cobra.Command{
	Use:   "lobby",
	Short: "Interactive presence list where you can place and take calls",
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

		phone := conn.phone()
		defer phone.Close()

		program := tea.NewProgram(ui.NewLobby(phone), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		go pump(program, conn, phone.Handle)

		_, err = program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	},
}

// pump feeds everything the relay sends into the lobby until the
// connection ends.
func pump(p *tea.Program, conn *connection, handle func(*protocol.Envelope) error) {
	p.Send(ui.InfoMsg{Identity: conn.Identity, Name: conn.Name})

	h := conn.handler
	for {
		select {
		case info, ok := <-h.Info:
			if !ok {
				p.Send(ui.ClosedMsg{})
				return
			}
			p.Send(ui.InfoMsg{Identity: info.To, Name: info.ToDisplayName})

		case users, ok := <-h.Users:
			if !ok {
				p.Send(ui.ClosedMsg{})
				return
			}
			p.Send(ui.UsersMsg(users))

		case env, ok := <-h.Signals:
			if !ok {
				p.Send(ui.ClosedMsg{})
				return
			}
			if err := handle(env); err != nil {
				conn.log.Debug("signal not applied", "type", env.Type, "error", err)
			}
			p.Send(ui.SignalMsg{Envelope: env})

		case env, ok := <-h.Errors:
			if !ok {
				p.Send(ui.ClosedMsg{})
				return
			}
			p.Send(ui.ErrorMsg{Reason: env.Reason})
		}
	}
}

func init() {
	rootCmd.AddCommand(lobbyCmd)
	addClientFlags(lobbyCmd)
}
