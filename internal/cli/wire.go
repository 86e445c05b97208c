package cli

import (
	"fmt"
	"log/slog"

	"github.com/trymwestin/dailyconnect/internal/config"
	"github.com/trymwestin/dailyconnect/internal/core/api"
	"github.com/trymwestin/dailyconnect/internal/core/auth"
	"github.com/trymwestin/dailyconnect/internal/core/coordinator"
	"github.com/trymwestin/dailyconnect/internal/core/retry"
	"github.com/trymwestin/dailyconnect/internal/core/state"
	"github.com/trymwestin/dailyconnect/internal/core/transport"
	"github.com/trymwestin/dailyconnect/internal/entities"
	"github.com/trymwestin/dailyconnect/internal/logging"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	session *auth.Session
	client  *api.Client
	bus     *state.EventBus
	store   *state.Store
	coord   *coordinator.Coordinator
	photos  *entities.PhotoCache
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newApp(path string) (*app, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	dc := cfg.DailyConnect
	httpClient, err := transport.NewClient(transport.Config{
		Family:    transport.Family(dc.IPFamily),
		Timeout:   dc.RequestTimeout,
		UserAgent: dc.UserAgent,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	session := auth.NewSession(dc.BaseURL, auth.Credentials{Email: dc.Email, Password: dc.Password},
		httpClient, retry.Default(log), log)
	client := api.NewClient(session, log)

	bus := state.NewEventBus(log)
	store := state.NewStore(bus, dc.Interval())
	coord := coordinator.New(session, client, store, coordinator.Config{
		Interval:     dc.Interval(),
		CalendarDays: dc.CalendarDays,
	}, log)

	return &app{
		cfg:     cfg,
		log:     log,
		session: session,
		client:  client,
		bus:     bus,
		store:   store,
		coord:   coord,
		photos:  entities.NewPhotoCache(client, log),
	}, nil
}

// settings is the configuration echoed by the diagnostics endpoint. The
// HTTP layer redacts credentials before serving it.
func settings(cfg config.Config) map[string]any {
	dc := cfg.DailyConnect
	return map[string]any{
		"base_url":        dc.BaseURL,
		"email":           dc.Email,
		"password":        dc.Password,
		"update_interval": dc.UpdateInterval,
		"request_timeout": dc.RequestTimeout.String(),
		"ip_family":       dc.IPFamily,
		"calendar_days":   dc.CalendarDays,
		"mqtt_enabled":    cfg.MQTT.Enabled,
		"mqtt_broker":     cfg.MQTT.Broker,
		"http_addr":       cfg.HTTP.Addr,
	}
}
