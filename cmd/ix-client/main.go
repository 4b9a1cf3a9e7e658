// Command ix-client connects to an Ix interface and sends a demo payload
// once per interval while the connection stays up.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/ix-interface/pkg/ixclient"
	"github.com/omochice/ix-interface/pkg/protocol"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		url         string
		username    string
		password    string
		relationID  string
		interval    time.Duration
		dataLogging bool
	)

	cmd := &cobra.Command{
		Use:          "ix-client",
		Short:        "Send demo data through an Ix interface",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().
				Timestamp().
				Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := ixclient.New(url, username, password,
				ixclient.WithDataLogging(dataLogging),
				ixclient.WithLogger(logger))

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := client.Connect(dialCtx, relationID)
			cancel()
			if err != nil {
				return err
			}
			defer client.Disconnect()

			go report(ctx, client, logger)
			return sendLoop(ctx, client, interval, logger)
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://ix-interface", "root URL of the Ix interface")
	cmd.Flags().StringVar(&username, "username", "", "ix_username issued for the xApp")
	cmd.Flags().StringVar(&password, "password", "", "ix_password issued for the xApp")
	cmd.Flags().StringVar(&relationID, "relation", "", "relation id; empty sends to the local consumer")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between sends")
	cmd.Flags().BoolVar(&dataLogging, "data-logging", false, "log a copy of every payload")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// sendLoop sends the dummy payload, bumping its values each round, until
// ctx is done or the connection ends.
func sendLoop(ctx context.Context, client *ixclient.Client, interval time.Duration, logger zerolog.Logger) error {
	value1, value2 := 51, 93
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for client.IsConnected() {
		data := map[string]any{"value_1": value1, "value_2": value2}
		if _, err := client.Send(ctx, data); err != nil {
			logger.Error().Err(err).Msg("send failed")
		}
		value1++
		value2 += 2

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	logger.Info().Msg("connection closed")
	return nil
}

// report logs what the relay sends back.
func report(ctx context.Context, client *ixclient.Client, logger zerolog.Logger) {
	statuses, messages := client.Statuses(), client.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			if st.Status == protocol.StatusDelivered {
				logger.Debug().Str("id", st.ID).Msg("delivered")
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			logger.Info().Str("sender", msg.Sender).Interface("data", msg.Data).Msg("message from peer")
		}
	}
}
