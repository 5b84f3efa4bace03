package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkarlsson/agentlink/internal/backoff"
	"github.com/mkarlsson/agentlink/internal/config"
	"github.com/mkarlsson/agentlink/internal/dispatch"
	"github.com/mkarlsson/agentlink/internal/negotiate"
	"github.com/mkarlsson/agentlink/internal/outbox"
	"github.com/mkarlsson/agentlink/internal/retry"
	"github.com/mkarlsson/agentlink/internal/router"
	"github.com/mkarlsson/agentlink/internal/socket"
	"github.com/mkarlsson/agentlink/internal/supervisor"
	"github.com/mkarlsson/agentlink/internal/version"
	"github.com/mkarlsson/agentlink/internal/wire"
)

func main() {
	configPath := flag.String("config", "configs/agentlink.local.yaml", "path to config file")
	sendTo := flag.String("send-to", "", "send one command to this recipient and exit")
	sendName := flag.String("send-name", "", "command name for -send-to")
	sendPayload := flag.String("send-payload", "", "JSON payload for -send-to")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting agentlink",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown and network-restored signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	netCh := make(chan os.Signal, 1)
	signal.Notify(netCh, syscall.SIGHUP)

	// Durable fallback channel
	box, err := outbox.New(ctx, cfg.Outbox, logger.With("component", "outbox"))
	if err != nil {
		logger.Error("failed to connect outbox", "error", err)
		os.Exit(1)
	}
	defer box.Close()

	// Inbound routing
	rt := router.New(logger.With("component", "router"))
	rt.Register(&commandHandler{logger: logger})

	// Connection stack
	negotiator := negotiate.NewClient(
		cfg.Negotiate.URL,
		cfg.Negotiate.APIKey,
		negotiate.WithTimeout(cfg.Negotiate.Timeout),
		negotiate.WithLogger(logger.With("component", "negotiate")),
	)

	clientCfg := socket.DefaultClientConfig()
	clientCfg.DialTimeout = cfg.Socket.DialTimeout
	clientCfg.RequestTimeout = cfg.Socket.RequestTimeout
	clientCfg.WriteTimeout = cfg.Socket.WriteTimeout
	clientCfg.PingInterval = cfg.Socket.PingInterval
	clientCfg.PingTimeout = cfg.Socket.PingTimeout

	factory := socket.NewFactory(negotiator, clientCfg, rt.Dispatch, logger.With("component", "socket"))

	supCfg := supervisor.Config{
		Handshake:      toRetryPolicy(cfg.Retry),
		Rejoin:         toRetryPolicy(cfg.Retry),
		Reconnect:      toBackoffPolicy(cfg.Reconnect),
		CriticalGroups: cfg.Groups.Critical,
	}

	sup := supervisor.New(supCfg, factory, logger.With("component", "supervisor"),
		supervisor.WithUnrecoverableHook(func(err error) {
			// In-memory protocol state can no longer be trusted; exit and
			// let the process supervisor restart us clean.
			logger.Error("unrecoverable failure, exiting for restart", "error", err)
			os.Exit(2)
		}),
	)

	dispatcher := dispatch.New(sup, box, logger.With("component", "dispatch"))

	// One-shot send mode
	if *sendTo != "" {
		runSend(ctx, sup, dispatcher, cfg, *sendTo, *sendName, *sendPayload, logger)
		return
	}

	// Agent mode: stay connected and receive commands.
	sup.JoinGroup(ctx, dispatch.RecipientGroup(cfg.Identity.Account))
	for _, g := range cfg.Groups.Join {
		sup.JoinGroup(ctx, g)
	}

	if err := sup.Connect(ctx, cfg.Identity.Account); err != nil {
		logger.Error("initial connect failed", "error", err)
		os.Exit(1)
	}

	logger.Info("agentlink running",
		"identity", cfg.Identity.Account,
		"groups", sup.Groups(),
	)

	for {
		select {
		case <-netCh:
			logger.Info("network restored signal")
			sup.NetworkRestored()
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			sup.Disconnect()
			return
		}
	}
}

// runSend connects, dispatches a single command and reports the outcome.
func runSend(ctx context.Context, sup *supervisor.Supervisor, d *dispatch.Dispatcher, cfg *config.Config, to, name, payload string, logger *slog.Logger) {
	if name == "" {
		logger.Error("-send-name is required with -send-to")
		os.Exit(1)
	}

	var body any
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			logger.Error("invalid -send-payload", "error", err)
			os.Exit(1)
		}
	}

	// Best effort: a failed connect still lets the durable fallback carry
	// the command.
	if err := sup.Connect(ctx, cfg.Identity.Account); err != nil {
		logger.Warn("connect failed, relying on fallback", "error", err)
	}
	defer sup.Disconnect()

	cmd, err := dispatch.NewCommand(to, name, body)
	if err != nil {
		logger.Error("build command", "error", err)
		os.Exit(1)
	}

	res := d.Send(ctx, cmd)
	logger.Info("command dispatched",
		"id", cmd.ID,
		"channel", res.Channel,
		"success", res.Success,
		"error", res.Err,
	)
	if !res.Success {
		os.Exit(1)
	}
}

// commandHandler processes inbound operator commands.
type commandHandler struct {
	logger *slog.Logger
}

func (h *commandHandler) CanHandle(msg router.Message) bool {
	return msg.Type == wire.FrameCommand
}

func (h *commandHandler) Validate(msg router.Message) error {
	var cmd dispatch.Command
	if err := json.Unmarshal(commandBody(msg), &cmd); err != nil {
		return fmt.Errorf("malformed command payload: %w", err)
	}
	if cmd.ID == "" || cmd.Name == "" {
		return errors.New("command missing id or name")
	}
	return nil
}

func (h *commandHandler) Process(msg router.Message) error {
	var cmd dispatch.Command
	if err := json.Unmarshal(commandBody(msg), &cmd); err != nil {
		return err
	}
	h.logger.Info("command received",
		"id", cmd.ID,
		"name", cmd.Name,
		"issued_at", cmd.IssuedAt.Format(time.RFC3339),
		"latency", time.Since(cmd.IssuedAt),
	)
	return nil
}

// commandBody unwraps the payload. Group broadcasts arrive stringified, so
// the command JSON may be nested inside a JSON string.
func commandBody(msg router.Message) []byte {
	var inner string
	if err := json.Unmarshal(msg.Payload, &inner); err == nil {
		return []byte(inner)
	}
	return msg.Payload
}

func toRetryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		Interval:    c.Interval,
		MaxElapsed:  c.MaxElapsed,
	}
}

func toBackoffPolicy(c config.ReconnectConfig) backoff.Policy {
	return backoff.Policy{
		Initial:   c.InitialDelay,
		Max:       c.MaxDelay,
		JitterMax: c.JitterMax,
	}
}
