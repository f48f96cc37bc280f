package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"pve-terminal/termproxy"
)

// daemonCleanupHook is set in the daemon child to remove the PID file on
// shutdown.
var daemonCleanupHook func()

// generateSecret returns a random 32 character hex secret.
func generateSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// serveSecretHash returns the configured hash, or hashes a fresh secret and
// prints it once when none is configured.
func serveSecretHash(out io.Writer, configured string) ([]byte, error) {
	if configured != "" {
		if _, err := bcrypt.Cost([]byte(configured)); err != nil {
			return nil, fmt.Errorf("serve.ticket_hash: %w", err)
		}
		return []byte(configured), nil
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(out, "No serve.ticket_hash configured. Secret for this run:")
	fmt.Fprintf(out, "\n    %s\n\n", secret)
	fmt.Fprintln(out, "Use it as pve.ticket, or as the secret of pve.api_token.")
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	return hash, nil
}

func newServeCmd() *cobra.Command {
	var (
		listen      string
		shell       string
		daemon      bool
		daemonChild bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a local shell over the Proxmox terminal proxy protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = cfg.Serve.Listen
			}
			if shell == "" {
				shell = cfg.Serve.Shell
			}

			if daemon {
				if cfg.Serve.TicketHash == "" {
					return errors.New("daemon mode needs serve.ticket_hash; create one with 'serve hash <secret>'")
				}
				var args []string
				if configFile != "" {
					args = append(args, "--config", configFile)
				}
				args = append(args, "--listen", listen)
				if shell != "" {
					args = append(args, "--shell", shell)
				}
				return daemonize(cmd.OutOrStdout(), args)
			}
			if daemonChild {
				daemonCleanupHook = removePIDFile
				defer removePIDFile()
			}

			hash, err := serveSecretHash(cmd.OutOrStdout(), cfg.Serve.TicketHash)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, listen, hash, shell)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default serve.listen)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell to run (default bash, else sh)")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "run in the background")
	cmd.Flags().BoolVar(&daemonChild, "daemon-child", false, "")
	_ = cmd.Flags().MarkHidden("daemon-child")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the background server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return daemonStop(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the background server is running",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				daemonStatus(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "hash <secret>",
			Short: "Print the bcrypt hash of a secret for serve.ticket_hash",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(hash))
				return nil
			},
		},
	)
	return cmd
}

// newServeHandler wires the terminal proxy and its metrics into one mux.
func newServeHandler(hash []byte, shell string) (http.Handler, *termproxy.Server) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	opts := termproxy.ShellOptions{}
	if shell != "" {
		fields := strings.Fields(shell)
		opts.Path, opts.Args = fields[0], fields[1:]
	}
	srv := termproxy.New(termproxy.Config{
		SecretHash: hash,
		Shell:      opts,
		Logger:     logrus.WithField("component", "serve"),
		Registerer: reg,
	})

	mux := http.NewServeMux()
	mux.Handle("/api2/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux, srv
}

func runServe(ctx context.Context, listen string, hash []byte, shell string) error {
	handler, _ := newServeHandler(hash, shell)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	logrus.WithField("addr", ln.Addr().String()).Info("terminal proxy listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	if daemonCleanupHook != nil {
		daemonCleanupHook()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
