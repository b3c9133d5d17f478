package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/shsh-chat/internal/config"
	"github.com/ashureev/shsh-chat/internal/retry"
	"github.com/ashureev/shsh-chat/internal/session"
	"github.com/ashureev/shsh-chat/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	serverURL      string
	agentID        string
	tenantID       string
	stream         string
	conversationID string
	verbose        bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "shsh-chat",
		Short:         "Chat with an agent through the shsh chat gateway",
		Long:          "shsh-chat sends messages to the chat gateway, follows the agent's event stream and shows the conversation with its run activity and rate-limit state.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.serverURL, "server", "", "gateway base URL (overrides CHAT_SERVER_URL)")
	flags.StringVar(&opts.agentID, "agent", "", "agent id (overrides CHAT_AGENT_ID)")
	flags.StringVar(&opts.tenantID, "tenant", "", "tenant id (overrides CHAT_TENANT_ID)")
	flags.StringVar(&opts.stream, "stream", "", "event stream transport: sse or ws (overrides CHAT_STREAM)")
	flags.StringVarP(&opts.conversationID, "conversation", "c", "", "continue an existing conversation")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log transport activity to stderr")

	rootCmd.AddCommand(
		newReplCmd(opts),
		newSendCmd(opts),
	)
	return rootCmd
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(opts *options) (*config.ClientConfig, error) {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if opts.serverURL != "" {
		cfg.ServerURL = opts.serverURL
	}
	if opts.agentID != "" {
		cfg.AgentID = opts.agentID
	}
	if opts.tenantID != "" {
		cfg.TenantID = opts.tenantID
	}
	if opts.stream != "" {
		cfg.Stream = opts.stream
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// client bundles the transport and the session driving it.
type client struct {
	transport *transport.HTTPTransport
	session   *session.Controller
}

func dial(ctx context.Context, opts *options) (*client, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts.verbose)

	retryOpts := retry.Options{
		MaxAttempts:  cfg.RetryAttempts,
		InitialDelay: cfg.RetryInitial,
		MaxDelay:     cfg.RetryMax,
		Multiplier:   2,
	}

	httpCfg := transport.HTTPConfig{
		BaseURL:        cfg.ServerURL,
		TenantID:       cfg.TenantID,
		RequestTimeout: cfg.RequestTimeout,
		Retry:          retryOpts,
		Logger:         logger,
	}
	tr, err := transport.NewHTTPTransport(httpCfg)
	if err != nil {
		return nil, err
	}
	if cfg.Stream == config.StreamWebSocket {
		ws, err := transport.NewWSSubscriber(cfg.ServerURL, cfg.TenantID, tr.Client(), retryOpts, logger)
		if err != nil {
			return nil, err
		}
		httpCfg.Client = tr.Client()
		httpCfg.Subscriber = ws
		if tr, err = transport.NewHTTPTransport(httpCfg); err != nil {
			return nil, err
		}
	}

	ctrl, err := session.New(ctx, session.Config{
		Transport:      tr,
		AgentID:        cfg.AgentID,
		ConversationID: opts.conversationID,
		Retry:          retryOpts,
		LimitWindow:    cfg.LimitWindow,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if opts.conversationID != "" {
		if err := ctrl.LoadConversation(ctx, opts.conversationID); err != nil && !transport.IsNotFound(err) {
			ctrl.Close()
			return nil, err
		}
	}
	return &client{transport: tr, session: ctrl}, nil
}
