package http

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"erpnotify/internal/adapter"
	"erpnotify/internal/cleanup"
	"erpnotify/internal/config"
	"erpnotify/internal/database"
	"erpnotify/internal/handler"
	"erpnotify/internal/model"
	"erpnotify/internal/notify"
	"erpnotify/internal/queue"
	"erpnotify/internal/redis"
	"erpnotify/internal/repository"
	"erpnotify/internal/scheduler"
	"erpnotify/internal/worker"
	"erpnotify/internal/ws"
)

const serverDrainTimeout = 10 * time.Second

// Run wires the full delivery pipeline and serves until SIGINT/SIGTERM.
func Run() error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Connect to Database
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// 3. Connect to Redis
	rdb, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	if err := rdb.Ping(context.Background()); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()
	log.Println("Connected to Redis successfully")

	// 4. Repositories
	notifs := repository.NewNotificationRepository(db)
	subs := repository.NewSubscriptionRepository(db)
	tokens := repository.NewTokenRepository(db)
	prefs := repository.NewPreferencesRepository(db)
	attempts := repository.NewAttemptRepository(db)
	plans := repository.NewScheduledPlanRepository(db)
	recipients := repository.NewRecipientRepository(db)

	// 5. Registry and transport adapters
	registry := notify.NewRegistry(subs, tokens, prefs)
	inApp := adapter.NewInAppAdapter(notifs)
	adapters := []adapter.Adapter{
		inApp,
		adapter.NewEmailAdapter(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, cfg.PublicBaseURL),
		adapter.NewSMSAdapter(cfg.SMSBaseURL, cfg.SMSUserID, cfg.SMSPassword, cfg.SMSSenderID, cfg.SMSAPIKey),
		adapter.NewWhatsAppAdapter(cfg.WhatsAppAPIURL, cfg.WhatsAppToken, cfg.WhatsAppPhoneID),
		adapter.NewWebPushAdapter(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject),
	}

	// 6. WebSocket hub
	hub := ws.NewHub(recipients)

	// 7. Delivery scheduler. The engine exists after the scheduler, so the
	// spill and delivered hooks bind late through closures.
	var engine *notify.Engine
	sched := scheduler.New(adapters, attempts, subs, scheduler.Options{
		Workers: map[string]int{
			model.ChannelInApp:    cfg.InAppWorkers,
			model.ChannelEmail:    cfg.EmailWorkers,
			model.ChannelSMS:      cfg.SMSWorkers,
			model.ChannelWhatsApp: cfg.WhatsAppWorkers,
			model.ChannelWebPush:  cfg.PushWorkers,
		},
		Spill: func(ctx context.Context, entries []*adapter.Entry) error {
			return engine.SpillEntries(ctx, entries)
		},
		OnDelivered: func(e *adapter.Entry) {
			engine.OnDelivered(e)
		},
	})

	// 8. Fan-out engine
	dedup := notify.NewDeduper(rdb.Client)
	engine = notify.NewEngine(cfg, registry, prefs, recipients, subs, plans, attempts, inApp, sched, dedup, hub)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(rootCtx)

	// 9. Stream intake workers
	publisher := queue.NewPublisher(rdb.Client).(*queue.RedisPublisher)
	manager := worker.NewManager(queue.NewConsumer(rdb.Client), worker.NewHandler(engine), worker.ManagerConfig{
		WorkerCount: cfg.StreamWorkers,
	})
	if err := manager.Start(rootCtx); err != nil {
		return fmt.Errorf("failed to start stream workers: %w", err)
	}

	// 10. Maintenance loops
	runner := cleanup.NewRunner(plans, tokens, subs, notifs, engine)
	runner.Start(rootCtx)

	// 11. HTTP surface
	router := NewRouter(RouterConfig{
		SubscriptionHandler: handler.NewSubscriptionHandler(registry, engine, subs, publisher),
		NotificationHandler: handler.NewNotificationHandler(notifs, hub),
		UnsubscribeHandler:  handler.NewUnsubscribeHandler(registry),
		WSHandler:           ws.NewHandler(hub, cfg.JWTSecret),
		JWTSecret:           cfg.JWTSecret,
	})
	server := NewServer(cfg.ServerPort, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	// Shutdown order: stop taking requests, stop pulling from the stream,
	// drain in-flight deliveries, then stop the maintenance loops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverDrainTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	shutdownCancel()

	manager.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), scheduler.DefaultDrainTimeout)
	if err := sched.Shutdown(drainCtx); err != nil {
		log.Printf("Scheduler shutdown: %v", err)
	}
	drainCancel()

	runner.Stop()
	cancel()

	log.Println("Shutdown complete")
	return nil
}
