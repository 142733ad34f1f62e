package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tcfw/w3s/internal/config"
	"github.com/tcfw/w3s/internal/utils/logging"
	"github.com/tcfw/w3s/pkg/w3s"
)

var (
	rootCmd = &cobra.Command{
		Use:           "w3s",
		Short:         "web3.storage client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() error {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "increase verbosity")
	rootCmd.PersistentFlags().String("token", "", "API token. Can also be set with W3S_TOKEN")
	rootCmd.PersistentFlags().String("endpoint", w3s.DefaultEndpoint, "API endpoint")
	rootCmd.PersistentFlags().String("output", "text", "record output format: text, json or yaml")
	viper.BindPFlag(config.Cfg_verbose, rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag(config.Cfg_token, rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag(config.Cfg_endpoint, rootCmd.PersistentFlags().Lookup("endpoint"))
	viper.BindPFlag(config.Cfg_output, rootCmd.PersistentFlags().Lookup("output"))

	regCommands()

	if err := rootCmd.Execute(); err != nil {
		logging.WithError(err).Error("command failed")
		return err
	}

	return nil
}

func newClient() (*w3s.Client, *config.Config, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading config")
	}

	c, err := w3s.New(cfg.Client().Token, cfg.Client().Options(logging.Entry())...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "constructing client")
	}

	return c, cfg, nil
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer cancel()

		select {
		case <-waitExit(ctx):
			logging.Entry().Warn("interrupted")
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func waitExit(ctx context.Context) <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		signal.Stop(sigs)
	}()

	return sigs
}
