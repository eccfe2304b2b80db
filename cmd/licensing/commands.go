package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"licensing/internal/credential"
	"licensing/internal/domain"
	licenses_http "licensing/internal/handler/http/licenses"
	kafka_handler "licensing/internal/handler/kafka"
	kafka_infra "licensing/internal/infrastructure/kafka"
	"licensing/internal/keygen"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox workers and payment events consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger
	logger.Info("Licensing service starting...")

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	if len(cfg.HTTP.CORSAllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	licenses_http.RegisterRoutes(router, a.licenses, a.intake, a.processor, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server graceful shutdown failed", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		return a.processor.Run(gctx, cfg.Outbox.Workers)
	})

	if cfg.Kafka.Enabled {
		consumer := kafka_infra.NewConsumer(
			cfg.GetKafkaBrokers(),
			cfg.Kafka.ConsumerGroup,
			cfg.Kafka.PaymentEventsTopic,
			logger.With(zap.String("component", "PaymentEventsConsumer")),
		)
		handler := kafka_handler.PaymentEventMessageHandler(
			a.intake,
			logger.With(zap.String("component", "PaymentEventHandler")),
		)
		g.Go(func() error {
			return consumer.Start(gctx, handler)
		})
	}

	err = g.Wait()
	logger.Info("Licensing service stopped")
	return err
}

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the outbox workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.processor.Run(ctx, opts.cfg.Outbox.Workers)
		},
	}
}

func newDrainCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver every due outbound message once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.processor.Drain(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d message(s)\n", n)
			return nil
		},
	}
}

func newKeysCommand(opts *rootOptions) *cobra.Command {
	var bits int
	var out string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate an RSA signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeKeyPair(out, bits, cmd)
		},
	}
	cmd.Flags().IntVar(&bits, "bits", credential.MinKeyBits, "RSA modulus size")
	cmd.Flags().StringVar(&out, "out", "keys", "directory for private.pem and public.pem")
	return cmd
}

func writeKeyPair(dir string, bits int, cmd *cobra.Command) error {
	key, err := credential.GenerateKeyPair(bits)
	if err != nil {
		return err
	}
	privPEM, err := credential.PrivateKeyPEM(key)
	if err != nil {
		return err
	}
	pubPEM, err := credential.PublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", privPath)
	}
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", privPath, pubPath)
	return nil
}

func newLicenseKeyCommand(opts *rootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "license-key",
		Short: "Print freshly generated license keys without storing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := keygen.New(opts.cfg.Keys.Prefix, opts.cfg.Keys.Segments, opts.cfg.Keys.SegmentLen)
			for i := 0; i < count; i++ {
				key, err := gen.Generate()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of keys")
	return cmd
}

func newRevokeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <license-key>",
		Short: "Revoke a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			license, err := a.licenses.Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", license.Key)
			return nil
		},
	}
}

func newCancelMessageCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-message <message-id>",
		Short: "Cancel a queued outbound message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.processor.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <license-key>",
		Short: "Print a license with its activation history and outbound messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			license, activations, err := a.licenses.ActivationHistory(ctx, args[0])
			if err != nil {
				return err
			}
			messages, err := a.processor.Messages(ctx, license.ID)
			if err != nil {
				return err
			}
			printLicense(cmd.OutOrStdout(), license, activations, messages)
			return nil
		},
	}
}

func printLicense(w io.Writer, license *domain.License, activations []domain.Activation, messages []domain.OutboundMessage) {
	fmt.Fprintf(w, "license   %s\n", license.Key)
	fmt.Fprintf(w, "product   %s\n", license.Product)
	fmt.Fprintf(w, "status    %s\n", license.Status)
	fmt.Fprintf(w, "issued to %s\n", license.IssuedTo)
	if license.ExpiresAt != nil {
		fmt.Fprintf(w, "expires   %s\n", license.ExpiresAt.UTC().Format(time.RFC3339))
	}

	fmt.Fprintf(w, "\nactivations (%d)\n", len(activations))
	for _, a := range activations {
		fmt.Fprintf(w, "  %s  %s\n", a.ActivatedAt.UTC().Format(time.RFC3339), a.TerminalID)
	}

	fmt.Fprintf(w, "\nmessages (%d)\n", len(messages))
	for _, m := range messages {
		fmt.Fprintf(w, "  %s  %-5s %-7s attempts=%d  %s\n", m.ID, m.Method, m.Status, m.Attempts, m.Recipient)
	}
}
