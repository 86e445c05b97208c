package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/dailyconnect/internal/httpapi"
	"github.com/trymwestin/dailyconnect/internal/mqtt"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll DailyConnect and publish to Home Assistant",
		Long:  "Poll the account on the configured interval, publish entities over MQTT and serve the HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) publisher() mqtt.Publisher {
	if !a.cfg.MQTT.Enabled {
		return mqtt.NewStubPublisher(a.log)
	}
	m := a.cfg.MQTT
	return mqtt.NewHAPublisher(mqtt.MQTTConfig{
		Broker:          m.Broker,
		Username:        m.Username,
		Password:        m.Password,
		TopicPrefix:     m.TopicPrefix,
		DiscoveryPrefix: m.DiscoveryPrefix,
		DeviceID:        m.DeviceID,
	}, a.coord, a.photos, a.store, a.bus, a.log)
}

// run starts every component and blocks until ctx is cancelled or the HTTP
// server fails.
func (a *app) run(ctx context.Context) error {
	a.log.Info("dailyconnectd starting",
		"version", Version,
		"base_url", a.cfg.DailyConnect.BaseURL,
		"interval", a.cfg.DailyConnect.Interval())

	pub := a.publisher()
	if err := pub.Start(ctx); err != nil {
		return err
	}
	if err := a.coord.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.HTTP.Enabled {
		api := httpapi.NewServer(a.coord, a.photos, a.bus, settings(a.cfg), a.cfg.HTTP.CORSAll, a.log)
		srv := &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("HTTP API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	a.log.Info("dailyconnectd shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.coord.Stop(sctx); err != nil {
		a.log.Warn("coordinator stop failed", "error", err)
	}
	if err := pub.Stop(sctx); err != nil {
		a.log.Warn("mqtt stop failed", "error", err)
	}
	return runErr
}
