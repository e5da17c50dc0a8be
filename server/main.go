package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nearbydrop/internal/blob"
	"nearbydrop/internal/config"
	"nearbydrop/internal/hub"
	"nearbydrop/internal/netsec"
)

const metricsInterval = time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:          "nearbydrop-relay",
		Short:        "Presence and file-offer relay for nearby devices",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.StorageDir, "storage", cfg.StorageDir, "directory holding uploads and their index")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	flags.BoolVar(&cfg.Dev, "dev", cfg.Dev, "human readable development logging")

	local := cmd.Flags()
	local.StringVar(&cfg.Listen, "listen", cfg.Listen, "http address to listen on")
	local.StringVar(&cfg.AliasesPath, "aliases", cfg.AliasesPath, `JSON file with {"icons": [...]} used for peer names`)
	local.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", cfg.MaxUploadBytes, "largest accepted upload")
	local.IntVar(&cfg.MaxMessageBytes, "max-msg-bytes", cfg.MaxMessageBytes, "largest accepted websocket message")
	local.IntVar(&cfg.MaxMsgsPerSec, "max-msgs-per-sec", cfg.MaxMsgsPerSec, "websocket messages per second per connection")
	local.IntVar(&cfg.BurstMessages, "burst", cfg.BurstMessages, "websocket message burst allowance per connection")
	local.IntVar(&cfg.SendQueue, "send-queue", cfg.SendQueue, "outbound packets buffered per connection")
	local.BoolVar(&cfg.StrictDecisions, "strict-decisions", cfg.StrictDecisions, "drop decisions that do not match a pending offer")
	local.DurationVar(&cfg.OfferTTL, "offer-ttl", cfg.OfferTTL, "how long an unanswered offer is remembered")
	local.IntVar(&cfg.MaxOffers, "max-offers", cfg.MaxOffers, "pending offers kept before the oldest are dropped")
	local.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often expired offers are swept")
	local.DurationVar(&cfg.BlobTTL, "blob-ttl", cfg.BlobTTL, "delete uploads older than this (0 keeps them)")
	local.StringVar(&cfg.AllowOrigin, "allow-origin", cfg.AllowOrigin, "CORS origin allowed to call the relay")
	local.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate file")
	local.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key file")
	local.BoolVar(&cfg.TLSSelfSigned, "tls-self-signed", cfg.TLSSelfSigned, "generate the TLS pair when missing or stale")
	local.StringSliceVar(&cfg.TLSHosts, "tls-hosts", cfg.TLSHosts, "hosts and IPs for a generated certificate")

	cmd.AddCommand(newPruneCmd(&cfg))
	return cmd
}

func newPruneCmd(cfg *config.Config) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored uploads older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			log, err := newLogger(cfg.LogLevel, cfg.Dev)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			store, err := blob.OpenStore(cfg.StorageDir, blob.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info("uploads pruned", zap.Int("count", n), zap.Duration("older_than", olderThan))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "age of uploads to delete")
	return cmd
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func runRelay(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := cfg.LoadIcons(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := blob.OpenStore(cfg.StorageDir, blob.Options{MaxBytes: cfg.MaxUploadBytes})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "nearbydrop",
		Reporter: newLogReporter(log),
	}, metricsInterval)
	defer closer.Close()

	h := hub.New(hub.Config{
		Icons:         cfg.Icons,
		Strict:        cfg.StrictDecisions,
		OfferTTL:      cfg.OfferTTL,
		MaxOffers:     cfg.MaxOffers,
		SweepInterval: cfg.SweepInterval,
	}, hub.WithLogger(log.Named("hub")), hub.WithScope(scope))
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = h.Run(ctx)
	}()

	if cfg.BlobTTL > 0 {
		go pruneLoop(ctx, store, cfg.BlobTTL, log)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           NewServer(ctx, cfg, h, store, log.Named("transport")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := netsec.RelayTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSSelfSigned, cfg.TLSHosts)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening",
			zap.String("addr", cfg.Listen),
			zap.Bool("tls", cfg.TLSEnabled()),
			zap.String("storage", cfg.StorageDir),
			zap.Int("icons", len(cfg.Icons)),
			zap.Bool("strict_decisions", cfg.StrictDecisions))
		if cfg.TLSEnabled() {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	stop()
	<-hubDone
	return nil
}

func pruneLoop(ctx context.Context, store *blob.Store, ttl time.Duration, log *zap.Logger) {
	every := ttl / 4
	if every < time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Prune(ctx, now.Add(-ttl))
			if err != nil {
				log.Warn("prune uploads failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("uploads pruned", zap.Int("count", n))
			}
		}
	}
}
