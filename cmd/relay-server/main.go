package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/relay/internal/server"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var (
		addr     string
		pollHold time.Duration
		regRPS   float64
	)

	rootCmd := &cobra.Command{
		Use:   "relay-server",
		Short: "Reference relay server for development and integration tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := server.New(server.Config{
				PollHold:    pollHold,
				RegisterRPS: regRPS,
			})
			log.Info().Str("addr", addr).Msg("Relay server listening")
			return http.ListenAndServe(addr, srv.Router())
		},
	}
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	rootCmd.Flags().DurationVar(&pollHold, "poll-hold", 30*time.Second, "long-poll hold time")
	rootCmd.Flags().Float64Var(&regRPS, "register-rps", 5, "register endpoint rate limit")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Server exited")
		os.Exit(1)
	}
}
