package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/relay/internal/config"
	"github.com/sawpanic/relay/internal/metrics"
	"github.com/sawpanic/relay/internal/policy"
	"github.com/sawpanic/relay/internal/registry"
	"github.com/sawpanic/relay/internal/relay"
	"github.com/sawpanic/relay/internal/transport"
	"github.com/sawpanic/relay/internal/wire"
)

const version = "v1.0.0"

var (
	flagConfig      string
	flagWSURL       string
	flagFallbackURL string
	flagOwner       string
	flagRole        string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Resilient real-time messaging client",
		Version: version,
		Long: `relay maintains a bidirectional message channel to a relay server,
preferring a WebSocket and degrading to long-poll when it is unavailable.`,
	}
	bindGlobalFlags(rootCmd.PersistentFlags())

	watchCmd := &cobra.Command{
		Use:   "watch [types...]",
		Short: "Connect and print inbound messages",
		Long:  "Connects for the given owner and prints every inbound message of the listed types (default: all application traffic seen by the reference server).",
		RunE:  runWatch,
	}

	sendCmd := &cobra.Command{
		Use:   "send <type> <payload-json>",
		Short: "Send one message",
		Args:  cobra.ExactArgs(2),
		RunE:  runSend,
	}

	rootCmd.AddCommand(watchCmd, sendCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func bindGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flagConfig, "config", "", "path to YAML config")
	fs.StringVar(&flagWSURL, "ws-url", "", "primary channel endpoint (overrides config)")
	fs.StringVar(&flagFallbackURL, "fallback-url", "", "long-poll base URL (overrides config)")
	fs.StringVar(&flagOwner, "owner", "", "owner key (user or session id)")
	fs.StringVar(&flagRole, "role", "client", "role attached to the handshake")
}

func buildHub() (*relay.Hub, config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, cfg, err
		}
		cfg = loaded
	}
	if flagWSURL != "" {
		cfg.Server.WSURL = flagWSURL
	}
	if flagFallbackURL != "" {
		cfg.Server.FallbackURL = flagFallbackURL
	}

	var failures policy.FailureStore = policy.NewMemoryFailureStore(0)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		failures = policy.NewRedisFailureStore(client, 0)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis-backed failure counter")
	}

	hub := relay.NewHub(relay.Options{
		WS: transport.WSConfig{
			URL:            cfg.Server.WSURL,
			ConnectTimeout: cfg.Server.ConnectTimeout,
			IdleWindow:     cfg.Server.IdleWindow,
			PingInterval:   cfg.Server.PingInterval,
		},
		LongPoll: transport.LongPollConfig{
			BaseURL:     cfg.Server.FallbackURL,
			PollTimeout: cfg.Server.PollTimeout,
		},
		Policy:        cfg.Backoff,
		QueueCapacity: cfg.Queue.Capacity,
		Registry:      registry.New(cfg.Registry.Staleness),
		Failures:      failures,
		Metrics:       metrics.New(prometheus.DefaultRegisterer),
	})
	return hub, cfg, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	if flagOwner == "" {
		return fmt.Errorf("--owner is required")
	}
	hub, cfg, err := buildHub()
	if err != nil {
		return err
	}
	defer hub.Shutdown()

	consumer := hub.Attach(flagOwner, flagRole)
	types := args
	if len(types) == 0 {
		types = []string{"message"}
	}
	for _, t := range types {
		consumer.RegisterHandler(t, printMessage)
	}
	consumer.RegisterHandler(wire.TypeConnectionLost, func(msg *wire.Message) {
		log.Error().Msg("Unable to maintain connection")
	})
	consumer.Connect()

	log.Info().
		Str("ws_url", cfg.Server.WSURL).
		Str("owner", flagOwner).
		Strs("types", types).
		Msg("Watching for messages, Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	consumer.Disconnect(true)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	if flagOwner == "" {
		return fmt.Errorf("--owner is required")
	}
	msgType, payload := args[0], args[1]
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	hub, _, err := buildHub()
	if err != nil {
		return err
	}
	defer hub.Shutdown()

	consumer := hub.Attach(flagOwner, flagRole)
	consumer.Connect()
	consumer.Send(&wire.Message{Type: msgType, Payload: json.RawMessage(payload)})

	// Give the queue a moment to drain before hanging up.
	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if consumer.IsConnected() && hub.Manager(flagOwner).QueueLen() == 0 {
				log.Info().Str("type", msgType).Msg("Message sent")
				consumer.Disconnect(true)
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for message to send")
		}
	}
}

func printMessage(msg *wire.Message) {
	out, _ := json.Marshal(msg)
	fmt.Println(string(out))
}
