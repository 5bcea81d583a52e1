// Package config loads relay and client settings.
//
// Every setting resolves with the same priority:
//  1. CLI flags (passed via Options) - highest priority
//  2. Environment variables, including an optional .env file
//  3. Defaults from the env struct tags - lowest priority
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"github.com/BioHazard786/warpcall/internal/signaling"
)

var validate = validator.New()

// Server holds relay configuration.
type Server struct {
	Addr            string        `env:"WARPCALL_ADDR,default=:8080" validate:"required"`
	OfferTimeout    time.Duration `env:"WARPCALL_OFFER_TIMEOUT,default=30s" validate:"gt=0"`
	WriteWait       time.Duration `env:"WARPCALL_WRITE_WAIT,default=10s" validate:"gt=0"`
	PongWait        time.Duration `env:"WARPCALL_PONG_WAIT,default=60s" validate:"gt=0"`
	SendQueue       int           `env:"WARPCALL_SEND_QUEUE,default=256" validate:"min=1"`
	MaxMessageBytes int64         `env:"WARPCALL_MAX_MESSAGE_BYTES,default=65536" validate:"min=1024"`

	// RateLimit is inbound envelopes per second per connection, 0 disables.
	RateLimit int `env:"WARPCALL_RATE_LIMIT,default=50" validate:"min=0"`
	RateBurst int `env:"WARPCALL_RATE_BURST,default=100" validate:"min=1"`

	// AllowedOrigins is a comma separated list; empty allows all.
	AllowedOrigins string `env:"WARPCALL_ALLOWED_ORIGINS"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`
}

// ServerOptions carries CLI flag overrides. Zero values are unset.
type ServerOptions struct {
	Addr           string
	OfferTimeout   time.Duration
	AllowedOrigins string
	LogLevel       string
}

// LoadServer reads relay configuration.
func LoadServer(opts ServerOptions) (*Server, error) {
	var cfg Server
	if err := unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Addr = lo.CoalesceOrEmpty(opts.Addr, cfg.Addr)
	cfg.OfferTimeout = lo.CoalesceOrEmpty(opts.OfferTimeout, cfg.OfferTimeout)
	cfg.AllowedOrigins = lo.CoalesceOrEmpty(opts.AllowedOrigins, cfg.AllowedOrigins)
	cfg.LogLevel = lo.CoalesceOrEmpty(opts.LogLevel, cfg.LogLevel)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return &cfg, nil
}

// Signaling returns the hub limits.
func (s *Server) Signaling() signaling.Config {
	return signaling.Config{
		OfferTimeout:   s.OfferTimeout,
		WriteWait:      s.WriteWait,
		PongWait:       s.PongWait,
		SendQueueSize:  s.SendQueue,
		MaxMessageSize: s.MaxMessageBytes,
		RateLimit:      float64(s.RateLimit),
		RateBurst:      s.RateBurst,
	}
}

// Origins returns the allowed browser origins.
func (s *Server) Origins() []string {
	return splitList(s.AllowedOrigins)
}

// Default ICE server.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Client holds configuration for the command line client.
type Client struct {
	ServerURL string `env:"WARPCALL_SERVER,default=ws://localhost:8080/ws" validate:"required,url"`
	Name      string `env:"WARPCALL_NAME" validate:"max=32"`
	Identity  string `env:"WARPCALL_IDENTITY" validate:"max=64"`
	Codec     string `env:"WARPCALL_CODEC,default=json" validate:"oneof=json msgpack"`

	// ICE servers for WebRTC
	STUNServer string `env:"STUN_SERVER,default=stun:stun.l.google.com:19302"`
	TURNServer string `env:"TURN_SERVER"`
	TURNUser   string `env:"TURN_USERNAME"`
	TURNPass   string `env:"TURN_PASSWORD"`
	ForceRelay bool   `env:"WARPCALL_FORCE_RELAY"`

	LogLevel  string `env:"LOG_LEVEL,default=error"`
	LogFormat string `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`
}

// ClientOptions carries CLI flag overrides. Zero values are unset.
type ClientOptions struct {
	ServerURL  string
	Name       string
	Identity   string
	Codec      string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// LoadClient reads client configuration.
func LoadClient(opts ClientOptions) (*Client, error) {
	var cfg Client
	if err := unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.ServerURL = lo.CoalesceOrEmpty(opts.ServerURL, cfg.ServerURL)
	cfg.Name = lo.CoalesceOrEmpty(opts.Name, cfg.Name)
	cfg.Identity = lo.CoalesceOrEmpty(opts.Identity, cfg.Identity)
	cfg.Codec = lo.CoalesceOrEmpty(opts.Codec, cfg.Codec)
	cfg.STUNServer = lo.CoalesceOrEmpty(opts.STUNServer, cfg.STUNServer)
	cfg.TURNServer = lo.CoalesceOrEmpty(opts.TURNServer, cfg.TURNServer)
	cfg.TURNUser = lo.CoalesceOrEmpty(opts.TURNUser, cfg.TURNUser)
	cfg.TURNPass = lo.CoalesceOrEmpty(opts.TURNPass, cfg.TURNPass)
	cfg.ForceRelay = opts.ForceRelay || cfg.ForceRelay

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return &cfg, nil
}

// STUNServers returns STUN server URLs.
func (c *Client) STUNServers() []string {
	return splitList(c.STUNServer)
}

// TURNServers returns TURN server URLs if configured. A bare host expands to
// the usual UDP, TCP and TLS endpoints.
func (c *Client) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?") || strings.Count(c.TURNServer, ":") > 1 {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

func unmarshal(v any) error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if _, err := env.UnmarshalFromEnviron(v); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}
