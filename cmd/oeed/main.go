package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/api"
	"oee-monitor-backend/internal/assign"
	"oee-monitor-backend/internal/db"
	"oee-monitor-backend/internal/devlock"
	"oee-monitor-backend/internal/ingest"
	"oee-monitor-backend/internal/job"
	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/notification"
	"oee-monitor-backend/internal/oee"
	"oee-monitor-backend/internal/stoppage"
	"oee-monitor-backend/internal/store"
	"oee-monitor-backend/internal/tsdb"
	"oee-monitor-backend/internal/writer"
)

func main() {
	logger := log.New(os.Stdout, "oee-backend ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	} else {
		logger.Println("VAPID keys not configured; operator push alerts are disabled")
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	if err := seedFromConfig(ctx, appStore, cfg); err != nil {
		logger.Fatalf("failed to seed registry from config: %v", err)
	}
	logger.Println("device registry and reason matrix seeded")

	influx, err := tsdb.NewInfluxStore(cfg.Influx)
	if err != nil {
		logger.Fatalf("failed to initialize time-series backend: %v", err)
	}
	defer influx.Close()

	alertPool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
	alertPool.Start(ctx)

	reliableWriter := writer.New(appStore, influx, cfg.DeadLetter, alertPool)
	go reliableWriter.Run(ctx)

	detector := stoppage.NewDetector(appStore, cfg.Stoppage, alertPool)
	go detector.Run(ctx)

	source, err := newSource(cfg)
	if err != nil {
		logger.Fatalf("failed to initialize sample source: %v", err)
	}
	kafkaSource, isKafka := source.(*ingest.KafkaSource)
	if isKafka {
		go kafkaSource.Run(ctx)
	}

	ingestSvc := ingest.NewService(cfg, source, reliableWriter, detector)
	go ingestSvc.Run(ctx)

	locks := devlock.NewSet()
	jobs := job.NewManager(appStore, influx, cfg.Jobs, locks)
	classifier := stoppage.NewClassifier(appStore)
	assignEngine := assign.NewEngine(appStore, influx, locks, alertPool)
	calculator := oee.NewCalculator(appStore, influx)

	handler := api.NewHandler(appStore, jobs, classifier, assignEngine, calculator, webpushOptions)
	router := api.NewRouter(handler, cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")
	cancel()

	// Closing the consumer group leaves it cleanly so the broker rebalances
	// right away instead of waiting out the session timeout.
	if isKafka {
		if err := kafkaSource.Close(); err != nil {
			logger.Printf("Error closing Kafka consumer group: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}

// newSource selects the sample source from configuration.
func newSource(cfg *config.Config) (ingest.Source, error) {
	switch cfg.Ingest.Source {
	case "kafka":
		return ingest.NewKafkaSource(cfg.Ingest.Kafka)
	case "simulator":
		return ingest.NewSimulatorSource(cfg.Devices), nil
	default:
		return nil, fmt.Errorf("unknown ingest source %q", cfg.Ingest.Source)
	}
}

// seedFromConfig upserts the device registry, reason matrix, and scheduled
// breaks from the configuration file. Existing rows are updated in place so
// config changes take effect on restart.
func seedFromConfig(ctx context.Context, s store.Store, cfg *config.Config) error {
	devices := make([]model.Device, 0, len(cfg.Devices))
	var channels []model.Channel
	for _, dev := range cfg.Devices {
		devices = append(devices, model.Device{
			ID:       dev.DeviceID,
			Name:     dev.Name,
			Location: dev.Location,
		})
		for _, ch := range dev.Channels {
			channels = append(channels, model.Channel{
				DeviceID:        dev.DeviceID,
				Channel:         ch.Channel,
				Role:            ch.Role,
				BitWidth:        ch.BitWidth,
				WindowSeconds:   ch.WindowSeconds,
				ImplausibleJump: ch.ImplausibleJump,
			})
		}
	}
	if err := s.UpsertDevices(ctx, devices); err != nil {
		return fmt.Errorf("upsert devices: %w", err)
	}
	if err := s.UpsertChannels(ctx, channels); err != nil {
		return fmt.Errorf("upsert channels: %w", err)
	}

	categories := make([]model.ReasonCategory, 0, len(cfg.ReasonCodes))
	var subcodes []model.ReasonSubcode
	for _, cat := range cfg.ReasonCodes {
		categories = append(categories, model.ReasonCategory{Code: cat.Code, Label: cat.Label})
		for _, sub := range cat.Subcodes {
			subcodes = append(subcodes, model.ReasonSubcode{
				CategoryCode: cat.Code,
				Code:         sub.Code,
				Label:        sub.Label,
			})
		}
	}
	if err := s.SeedReasonCodes(ctx, categories, subcodes); err != nil {
		return err
	}

	breaks := make([]model.ScheduledBreak, 0, len(cfg.Breaks))
	for _, b := range cfg.Breaks {
		startMin, err := parseClockMinute(b.Start)
		if err != nil {
			return fmt.Errorf("scheduled break start %q: %w", b.Start, err)
		}
		endMin, err := parseClockMinute(b.End)
		if err != nil {
			return fmt.Errorf("scheduled break end %q: %w", b.End, err)
		}
		breaks = append(breaks, model.ScheduledBreak{
			DeviceID:    b.DeviceID,
			StartMinute: startMin,
			EndMinute:   endMin,
		})
	}
	return s.ReplaceBreaks(ctx, breaks)
}

// parseClockMinute converts "HH:MM" to minutes since midnight.
func parseClockMinute(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
