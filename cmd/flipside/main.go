// Command flipside is a terminal client for the Flipside server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/flipside/internal/client"
	"github.com/ashureev/flipside/internal/domain"
)

var Version = "dev"

type rootOptions struct {
	server    string
	noColor   bool
	pollGrace time.Duration
	pollEvery time.Duration
}

func main() {
	_ = godotenv.Load()

	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:     "flipside",
		Short:   "Flipside - see the other side of what you read",
		Version: Version,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("FLIPSIDE_URL", "http://localhost:8080"), "Flipside server URL")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().DurationVar(&opts.pollGrace, "poll-grace", envDuration("POLL_GRACE", 5*time.Second), "Wait this long for the stream before polling for the result")
	rootCmd.PersistentFlags().DurationVar(&opts.pollEvery, "poll-interval", envDuration("POLL_INTERVAL", 5*time.Second), "Result polling interval")

	rootCmd.AddCommand(analyzeCmd(opts))
	rootCmd.AddCommand(resultCmd(opts))
	rootCmd.AddCommand(chatCmd(opts))
	rootCmd.AddCommand(healthCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func (o *rootOptions) client() *client.Client {
	return client.New(o.server)
}

// session builds a session orchestrator with the configured polling fallback.
func (o *rootOptions) session(onEvent func(domain.Event)) *client.Session {
	return client.NewSession(client.SessionConfig{
		Client:    o.client(),
		PollGrace: o.pollGrace,
		PollEvery: o.pollEvery,
		OnEvent:   onEvent,
	})
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
