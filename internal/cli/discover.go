package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lcbro/lcbro/internal/discovery"
	"github.com/lcbro/lcbro/pkg/models"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	var (
		watch      time.Duration
		rangeStart int
		rangeEnd   int
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List debuggable browsers once, or continuously with --watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			dir, err := discovery.NewDirectory(cfg.Browser.CDP, nil, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()

			if rangeStart > 0 {
				cdp := cfg.Browser.CDP
				browsers, err := dir.Scanner().ScanRange(ctx, cdp.Host, rangeStart, rangeEnd, cdp.Detection.Timeout)
				if err != nil {
					return err
				}
				return printJSON(out, models.DiscoveryResult{
					Browsers:     browsers,
					Source:       models.SourceLocal,
					TotalScanned: rangeEnd - rangeStart + 1,
				})
			}

			if watch <= 0 {
				return printJSON(out, dir.Discover(ctx))
			}

			dir.Watch(ctx, watch, func(res models.DiscoveryResult) {
				if ctx.Err() == nil {
					printJSON(out, res)
				}
			})
			return nil
		},
	}

	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "Repeat discovery at this interval until interrupted")
	cmd.Flags().IntVar(&rangeStart, "range-start", 0, "Scan a port range starting here instead of the configured ports")
	cmd.Flags().IntVar(&rangeEnd, "range-end", 0, "Last port of the range scan")

	cmd.AddCommand(newProbeCmd(opts))
	return cmd
}

func newProbeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <port>",
		Short: "Check whether a single port serves a usable DevTools endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Browser.CDP.Detection.Timeout+time.Second)
			defer cancel()

			scanner := discovery.NewScanner(logger)
			status := scanner.Validate(ctx, cfg.Browser.CDP.Host, port, cfg.Browser.CDP.Detection.Timeout)
			if err := printJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if !status.Valid {
				return fmt.Errorf("no usable endpoint on port %d", port)
			}
			return nil
		},
	}
}
