package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/discovery"
)

func newRemoteCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Inspect a remote CDP server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the URL, then report health, server info and browsers",
		RunE: withRemote(opts, func(ctx context.Context, cmd *cobra.Command, client *discovery.RemoteClient, args []string) error {
			out := cmd.OutOrStdout()

			endpoint, err := discovery.ParseRemoteURL(client.BaseURL())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server: %s://%s:%d\n", endpoint.Protocol, endpoint.Host, endpoint.Port)

			if !client.IsServerAvailable(ctx) {
				return errors.New("remote server is not available")
			}
			fmt.Fprintln(out, "health: ok")

			info := client.GetServerInfo(ctx)
			if info.Success {
				fmt.Fprintln(out, "info:")
				printJSON(out, info.Info)
			} else {
				fmt.Fprintf(out, "info: unavailable (%s)\n", info.Error)
			}

			browsers := client.GetAvailableBrowsers(ctx)
			if !browsers.Success {
				return fmt.Errorf("failed to list browsers: %s", browsers.Error)
			}
			fmt.Fprintf(out, "browsers: %d\n", len(browsers.Browsers))
			for _, b := range browsers.Browsers {
				fmt.Fprintf(out, "  %s  %s  %s\n", b.ID, b.Type, b.WebSocketDebuggerURL)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print the remote server info",
		RunE: withRemote(opts, func(ctx context.Context, cmd *cobra.Command, client *discovery.RemoteClient, args []string) error {
			res := client.GetServerInfo(ctx)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return resultErr(res.Success, res.Error)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "browsers",
		Short: "List the browsers the remote server offers",
		RunE: withRemote(opts, func(ctx context.Context, cmd *cobra.Command, client *discovery.RemoteClient, args []string) error {
			res := client.GetAvailableBrowsers(ctx)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return resultErr(res.Success, res.Error)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "browser <id>",
		Short: "Print one remote browser",
		Args:  cobra.ExactArgs(1),
		RunE: withRemote(opts, func(ctx context.Context, cmd *cobra.Command, client *discovery.RemoteClient, args []string) error {
			res := client.GetBrowserDetails(ctx, args[0])
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return resultErr(res.Success, res.Error)
		}),
	})

	return cmd
}

type remoteFunc func(ctx context.Context, cmd *cobra.Command, client *discovery.RemoteClient, args []string) error

// withRemote loads config and builds the remote client before running fn
func withRemote(opts *options, fn remoteFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, opts)
		if err != nil {
			return err
		}
		remote := cfg.Browser.CDP.Remote
		if remote.URL == "" {
			return errors.New("no remote URL configured; pass --remote-url")
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		client, err := discovery.NewRemoteClient(remote, logger)
		if err != nil {
			logger.Error("invalid remote configuration", zap.Error(err))
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), remote.Timeout)
		defer cancel()
		return fn(ctx, cmd, client, args)
	}
}

func resultErr(ok bool, msg string) error {
	if ok {
		return nil
	}
	return errors.New(msg)
}
