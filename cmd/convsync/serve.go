package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/convsync/pkg/conversations"
	"github.com/go-go-golems/convsync/pkg/locale"
	"github.com/go-go-golems/convsync/pkg/messages"
	"github.com/go-go-golems/convsync/pkg/syncmetrics"
	"github.com/go-go-golems/convsync/pkg/transport"
	"github.com/go-go-golems/convsync/pkg/wsbridge"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync the configured user's conversations and expose them over websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetStringSlice("watch")
			return runServe(cmd.Context(), watch)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address for /ws and /metrics")
	cmd.Flags().StringSlice("watch", nil, "also sync the message thread with these users")
	return cmd
}

func runServe(parent context.Context, watch []string) error {
	s := settings
	if s.User.ID == "" {
		return errors.New("serve: user.id is required")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := syncmetrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}
	labels, err := locale.NewLabels(s.Labels)
	if err != nil {
		return err
	}

	streamIDs := []string{transport.ConversationsStreamID(s.Tenant, s.User.ID)}
	for _, with := range watch {
		streamIDs = append(streamIDs, transport.MessagesStreamID(s.Tenant, s.User.ID, with))
	}
	tr, closeTransport, err := openTransport(ctx, s, streamIDs...)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTransport(); err != nil {
			log.Warn().Err(err).Msg("transport close error")
		}
	}()

	stores, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Warn().Err(err).Msg("store close error")
		}
	}()

	convs, err := conversations.New(conversations.Options{
		Tenant:       s.Tenant,
		UserID:       s.User.ID,
		Locale:       s.Locale,
		Labels:       labels,
		Transport:    tr,
		Store:        stores.conversations,
		SoundDelay:   s.Sound.Debounce,
		SoundPlayer:  newBellPlayer(),
		ImageBaseURL: s.Images.BaseURL,
		ImageBucket:  s.Images.Bucket,
		Closing:      conversations.NewMemoryClosingRegistry(),
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}
	defer convs.Dispose()

	if err := convs.Hydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("hydrate from store failed, starting empty")
	}
	if err := convs.Connect(ctx); err != nil {
		return err
	}

	bridge := wsbridge.New(convs.Changes())
	for _, with := range watch {
		repo, err := stores.messages(with)
		if err != nil {
			return err
		}
		ms, err := messages.New(messages.Options{
			Tenant:           s.Tenant,
			UserID:           s.User.ID,
			ConversationWith: with,
			Locale:           s.Locale,
			Transport:        tr,
			Repository:       repo,
			VisibleInfoKeys:  s.InfoMessages.VisibleKeys,
			DefaultWait:      s.Replay.DefaultWait,
			BackfillStep:     s.Replay.BackfillStep,
			Metrics:          metrics,
		})
		if err != nil {
			return err
		}
		defer ms.Dispose()
		if err := ms.Connect(ctx); err != nil {
			return err
		}
		bridge.ForwardMessages(ctx, ms, with)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", bridge)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              s.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return bridge.Run(egCtx) })
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		convs.Flush()
		log.Info().Msg("server shutdown complete")
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", s.HTTP.Addr).Str("user_id", s.User.ID).Strs("watch", watch).Msg("starting convsync server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})
	return eg.Wait()
}
