package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/client"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/resolve"
	"github.com/BioHazard786/warpcall/internal/ui"
)

const connectTimeout = 10 * time.Second

var clientOpts config.ClientOptions

// addClientFlags registers the flags shared by every client command.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&clientOpts.ServerURL, "server", "S", "", "Relay websocket URL")
	cmd.Flags().StringVarP(&clientOpts.Name, "name", "n", "", "Display name")
	cmd.Flags().StringVar(&clientOpts.Identity, "identity", "", "Identity to resume")
	cmd.Flags().StringVar(&clientOpts.Codec, "codec", "", "Wire codec: json or msgpack")
	cmd.Flags().StringVarP(&clientOpts.STUNServer, "stun", "s", "", "Custom STUN server")
	cmd.Flags().StringVarP(&clientOpts.TURNServer, "turn", "t", "", "Custom TURN server")
	cmd.Flags().StringVarP(&clientOpts.TURNUser, "turn-user", "u", "", "TURN username")
	cmd.Flags().StringVarP(&clientOpts.TURNPass, "turn-pass", "p", "", "TURN password")
	cmd.Flags().BoolVarP(&clientOpts.ForceRelay, "relay", "r", false, "Force relay mode")
}

// connection is a live, identified link to the relay.
type connection struct {
	cfg     *config.Client
	log     *slog.Logger
	client  *client.Client
	handler *client.Handler

	Identity string
	Name     string
}

func loadClientConfig() (*config.Client, *slog.Logger, error) {
	cfg, err := config.LoadClient(clientOpts)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ForceRelay && cfg.TURNServers() == nil {
		return nil, nil, errors.New("cannot force relay mode without TURN server configured")
	}
	return cfg, logging.Init(cfg.LogLevel, cfg.LogFormat, slog.LevelError), nil
}

// dial connects to the relay and waits for it to confirm who we are.
func dial(ctx context.Context, cfg *config.Client, log *slog.Logger) (*connection, error) {
	sp := ui.NewConnectionSpinner("Connecting to relay...")
	sp.Start()
	defer sp.Stop()

	c, err := client.New(client.Options{
		ServerURL: cfg.ServerURL,
		Identity:  cfg.Identity,
		Name:      cfg.Name,
		Codec:     cfg.Codec,
		Resolver:  resolve.New(),
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	h := client.NewHandler(c)
	go h.Start()

	select {
	case info, ok := <-h.Info:
		if !ok {
			c.Close()
			return nil, errors.New("relay closed the connection")
		}
		return &connection{
			cfg:      cfg,
			log:      log,
			client:   c,
			handler:  h,
			Identity: info.To,
			Name:     info.ToDisplayName,
		}, nil
	case <-ctx.Done():
		c.Close()
		return nil, fmt.Errorf("waiting for relay: %w", ctx.Err())
	}
}

// firstUsers waits for the initial presence snapshot.
func (c *connection) firstUsers(ctx context.Context) ([]protocol.User, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	select {
	case users, ok := <-c.handler.Users:
		if !ok {
			return nil, errors.New("relay closed the connection")
		}
		return users, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for presence: %w", ctx.Err())
	}
}

func (c *connection) phone() *client.Phone {
	forceRelay := c.cfg.ForceRelay
	if !forceRelay && c.cfg.TURNServers() != nil && media.ShouldForceRelay() {
		c.log.Info("restricted network detected, relaying media through TURN")
		forceRelay = true
	}

	return client.NewPhone(c.client, media.Config{
		STUNServers: c.cfg.STUNServers(),
		TURNServers: c.cfg.TURNServers(),
		TURNUser:    c.cfg.TURNUser,
		TURNPass:    c.cfg.TURNPass,
		ForceRelay:  forceRelay,
		LogLevel:    logging.ParseLevel(c.cfg.LogLevel, slog.LevelError),
	})
}

func (c *connection) Close() {
	c.client.Close()
}
