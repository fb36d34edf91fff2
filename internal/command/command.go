// Copyright 2025 The Tailsec Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package command implements the bouncer CLI.
package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	bouncerhttp "github.com/tailsec/crowdsec-http-bouncer/http"
	"github.com/tailsec/crowdsec-http-bouncer/internal/bouncer"
	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/config"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
	"github.com/tailsec/crowdsec-http-bouncer/internal/resolver"
	"github.com/tailsec/crowdsec-http-bouncer/internal/stream"
	"github.com/tailsec/crowdsec-http-bouncer/internal/version"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitConfig  = 2
	ExitLAPI    = 3
	ExitBusy    = 4
	ExitBlocked = 5
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func coded(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := New()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		var cerr *codedError
		if errors.As(err, &cerr) {
			return cerr.code
		}
		return ExitConfig
	}

	return ExitSuccess
}

// New builds the root command.
func New() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "crowdsec-http-bouncer",
		Short:         "HTTP bouncer backed by CrowdSec decisions",
		Version:       version.Current(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "bouncer.yaml", "Path to the configuration file")

	root.AddCommand(
		newServeCommand(&configPath),
		newCheckCommand(&configPath),
		newRefreshCommand(&configPath),
		newClearCommand(&configPath),
		newPruneCommand(&configPath),
	)

	return root
}

func setup(configPath string) (*bouncer.Bouncer, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, coded(ExitConfig, err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, coded(ExitConfig, err)
	}

	b, err := bouncer.New(cfg, logger)
	if err != nil {
		return nil, nil, nil, coded(ExitConfig, err)
	}

	return b, cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

func newServeCommand(configPath *string) *cobra.Command {
	var (
		listenAddr  string
		upstreamURL string
		staticDir   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an upstream behind the bouncer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer b.Close()
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := b.Ping(ctx); err != nil {
				return coded(ExitLAPI, err)
			}

			if cfg.StreamMode {
				go b.Run(ctx)
			}

			upstream, err := newUpstream(upstreamURL, staticDir)
			if err != nil {
				return coded(ExitConfig, err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/", bouncerhttp.Middleware(b)(upstream))

			server := &http.Server{
				Addr:              listenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", zap.String("addr", listenAddr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return coded(ExitConfig, err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8081", "Address to listen on")
	cmd.Flags().StringVar(&upstreamURL, "upstream", "", "URL to reverse proxy to")
	cmd.Flags().StringVar(&staticDir, "static", "", "Directory to serve statically")

	return cmd
}

func newUpstream(upstreamURL, staticDir string) (http.Handler, error) {
	switch {
	case upstreamURL != "":
		target, err := url.Parse(upstreamURL)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream url %q: %w", upstreamURL, err)
		}
		return httputil.NewSingleHostReverseProxy(target), nil
	case staticDir != "":
		return http.FileServer(http.Dir(staticDir)), nil
	default:
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK\n")) //nolint:errcheck
		}), nil
	}
}

func newCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <ip>",
		Short: "Resolve the remediation for an IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer b.Close()
			defer logger.Sync() //nolint:errcheck

			rem, err := b.Check(cmd.Context(), args[0])
			if err != nil {
				var inputErr *resolver.InputError
				if errors.As(err, &inputErr) {
					return coded(ExitConfig, err)
				}
				return coded(ExitLAPI, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), rem)
			if rem != remediation.Bypass {
				return coded(ExitBlocked, fmt.Errorf("%s is blocked (%s)", args[0], rem))
			}

			return nil
		},
	}
}

func newRefreshCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-cache",
		Short: "Pull the latest decision diff from the LAPI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, _, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer b.Close()
			defer logger.Sync() //nolint:errcheck

			sync := b.Synchronizer()
			if sync == nil {
				return coded(ExitConfig, errors.New("refresh-cache requires stream_mode: true"))
			}

			added, deleted, err := sync.Refresh(cmd.Context())
			if err != nil {
				if errors.Is(err, stream.ErrBusy) {
					return coded(ExitBusy, err)
				}
				return coded(ExitLAPI, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added %d, deleted %d\n", added, deleted)

			return nil
		},
	}
}

func newClearCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop every cached decision, captcha and geolocation entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, _, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer b.Close()
			defer logger.Sync() //nolint:errcheck

			if err := b.Store().Clear(cmd.Context()); err != nil {
				return coded(ExitConfig, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")

			return nil
		},
	}
}

func newPruneCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-cache",
		Short: "Remove expired entries from backends that keep them around",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, _, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer b.Close()
			defer logger.Sync() //nolint:errcheck

			if err := b.Store().Prune(cmd.Context()); err != nil {
				if errors.Is(err, cache.ErrPruneUnsupported) {
					fmt.Fprintln(cmd.OutOrStdout(), "this backend expires entries itself; nothing to prune")
					return nil
				}
				return coded(ExitConfig, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "expired entries pruned")

			return nil
		},
	}
}
