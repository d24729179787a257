package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"github.com/cryptopos/paygate/gateway"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "paygate",
		Short:   "Paygate - payment terminal gateway with crypto settlement",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ISO 8583 terminal server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := slog.HandlerOptions{Level: slog.LevelInfo}
			if verbose {
				opts.Level = slog.LevelDebug
			}
			logger := slog.New(opts.NewTextHandler(os.Stdout))

			app := gateway.NewApp(logger, gateway.LoadConfig())
			if err := app.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			app.Shutdown()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the paygate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("paygate", Version)
		},
	}
}
