package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pve-terminal/console"
	"pve-terminal/pveapi"
)

// Version is set at build time via ldflags
var version = "dev"

// exitCodeError carries a remote exit status out of RunE.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.code)
}

var (
	configFile string
	verbose    bool
	flagHost   string
	flagNode   string
	cfg        *Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pve-terminal",
		Short:         "Run commands and copy files through a Proxmox VE node console",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return preRunConfigE(cmd)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.pve-terminal/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&flagHost, "host", "", "API host, overrides pve.host")
	root.PersistentFlags().StringVar(&flagNode, "node", "", "node name, overrides pve.node")

	root.AddCommand(
		newExecCmd(),
		newDownloadCmd(),
		newShellCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

func preRunConfigE(cmd *cobra.Command) error {
	loaded, v, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if flagHost != "" {
		loaded.PVE.Host = flagHost
	}
	if flagNode != "" {
		loaded.PVE.Node = flagNode
	}
	if verbose {
		loaded.Logging.Level = "debug"
	}
	if err := setupLogging(loaded.Logging); err != nil {
		return err
	}
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		for _, key := range v.AllKeys() {
			if strings.Contains(key, "token") || strings.Contains(key, "password") || strings.Contains(key, "ticket") {
				continue
			}
			logrus.Debugf("config %s: %v", key, v.Get(key))
		}
	}
	cfg = loaded
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pve-terminal v%s\n", version)
		},
	}
}

func newExecCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <command>...",
		Short: "Run a command on the node and print its stdout and stderr",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				timeout = cfg.Terminal.CommandTimeout
			}
			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			res := c.ExecuteCommand(ctx, strings.Join(args, " "), timeout)
			if res.Stdout != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), res.Stderr)
			}
			if res.ExitCode != 0 {
				return exitCodeError{code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "per step prompt timeout (default terminal.command_timeout)")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var chunkKB int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "download <remote-path> <local-path>",
		Short: "Copy a file from the node with sha256 verification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunkKB <= 0 {
				chunkKB = cfg.Terminal.ChunkSizeKB
			}
			if timeout <= 0 {
				timeout = cfg.Terminal.CommandTimeout
			}
			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			start := time.Now()
			if err := c.DownloadToFile(ctx, args[0], args[1], chunkKB, timeout); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", args[0], args[1], time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkKB, "chunk-kb", 0, "chunk size in KiB (default terminal.chunk_size_kb)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "per chunk prompt timeout (default terminal.command_timeout)")
	return cmd
}

// ticketProvider picks a fixed ticket or the API, logging in first when
// only a user name and password are configured.
func ticketProvider(ctx context.Context, c *Config) (console.TicketProvider, http.Header, error) {
	if c.PVE.Ticket != "" {
		return pveapi.StaticTicket{User: c.PVE.User, Ticket: c.PVE.Ticket}, nil, nil
	}
	api, err := pveapi.New(pveapi.Config{
		Host:               c.PVE.apiHost(),
		APIToken:           c.PVE.APIToken,
		InsecureSkipVerify: c.PVE.Insecure,
		Logger:             logrus.NewEntry(logrus.StandardLogger()),
	})
	if err != nil {
		return nil, nil, err
	}
	if c.PVE.APIToken == "" {
		if err := api.Login(ctx, c.PVE.Username, c.PVE.Password); err != nil {
			return nil, nil, err
		}
	}
	return api, api.Header(), nil
}

// connect opens a console session as configured.
func connect(ctx context.Context, c *Config) (*console.Client, error) {
	if err := c.validateClient(); err != nil {
		return nil, err
	}
	tickets, header, err := ticketProvider(ctx, c)
	if err != nil {
		return nil, err
	}

	var metrics *console.Metrics
	if c.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		metrics = console.NewMetrics(reg)
		go serveMetrics(c.Metrics.Listen, reg)
	}

	client := console.New(console.Config{
		Host:               c.PVE.apiHost(),
		Node:               c.PVE.Node,
		Header:             header,
		InsecureSkipVerify: c.PVE.Insecure,
		LoginTimeout:       c.Terminal.LoginTimeout,
		Keepalive:          c.Terminal.Keepalive,
		HeredocDelay:       c.Terminal.HeredocDelay,
		Cols:               c.Terminal.Cols,
		Rows:               c.Terminal.Rows,
		Logger:             logrus.WithField("component", "console"),
		Metrics:            metrics,
	}, tickets)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func serveMetrics(addr string, g prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	logrus.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Error("metrics server stopped")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var exit exitCodeError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
