package main

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"clinicq/internal/config"
	"clinicq/internal/httpapi"
	"clinicq/internal/hub"
	"clinicq/internal/models"
	"clinicq/internal/store"
	"clinicq/internal/store/memory"
	"clinicq/internal/store/postgres"
	"clinicq/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("clinicq", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var entries store.EntryStore
	if cfg.DBDSN == "" {
		log.Print("DB_DSN not set, using in-memory store with demo seed data")
		entries = seedDemoStore()
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.DBDSN)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		entries = postgres.NewStore(pool)
	}
	broadcaster := hub.New()

	handler := httpapi.NewHandler(entries, httpapi.Options{
		DefaultConsultMinutes: cfg.AvgConsultMinutes,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMin,
		IPBurst:         cfg.RateLimitBurst,
		ClinicPerMinute: cfg.ClinicRateLimitPerMin,
		ClinicBurst:     cfg.ClinicRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", realtimeHandler(broadcaster))
	mux.Handle("/", handler.Routes())

	chain := httpapi.AuthMiddleware(entries, httpapi.LoggingMiddleware(limiter.Middleware(mux)))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "clinicq"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	go func() {
		log.Printf("clinicq listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go pumpOutbox(rootCtx, entries, broadcaster, cfg)
	go runJanitor(rootCtx, entries, cfg)

	<-rootCtx.Done()
	log.Print("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// seedDemoStore sets up a single-clinic sandbox so the API is usable
// straight away during local development.
func seedDemoStore() *memory.Store {
	s := memory.NewStore()
	clinicID := uuid.NewString()
	doctorID := uuid.NewString()
	s.AddClinic(models.Clinic{ID: clinicID, Code: "DEMO", Name: "Demo Clinic", AvgConsultMinutes: 12})
	s.AddDoctor(models.Doctor{ID: doctorID, ClinicID: clinicID, Name: "Dr. Demo", Specialization: "General", IsAvailable: true})
	s.AddSession(store.Session{
		SessionID: "demo-session",
		UserID:    doctorID,
		Role:      "doctor",
		ClinicID:  clinicID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	log.Printf("demo clinic code=DEMO clinic_id=%s doctor_id=%s session=demo-session", clinicID, doctorID)
	return s
}

// realtimeHandler wires the sockjs endpoint to the hub. Clients may connect
// anonymously; the tracker page subscribes with an entry id only, staff
// consoles subscribe with their clinic id.
func realtimeHandler(broadcaster *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		clientID := uuid.NewString()
		events := broadcaster.Register(clientID, hub.Subscription{})
		defer broadcaster.Unregister(clientID)

		go func() {
			for ev := range events {
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := session.Send(string(payload)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			if sub, ok := hub.ParseSubscribe(msg); ok {
				broadcaster.UpdateSubscription(clientID, sub)
			}
		}
	})
}

type eventMeta struct {
	EntryID string `json:"entry_id"`
}

// pumpOutbox drains committed events into the hub and advances the durable
// offset, so a restart replays anything not yet delivered.
func pumpOutbox(ctx context.Context, entries store.EntryStore, broadcaster *hub.Hub, cfg config.Config) {
	offset, err := entries.GetOffset(ctx)
	if err != nil {
		log.Printf("load offset error: %v", err)
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}

	interval := time.Duration(cfg.OutboxPollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var running int32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		events, err := entries.ListOutboxEvents(pollCtx, offset, cfg.OutboxBatchSize)
		cancel()
		if err != nil {
			log.Printf("outbox poll error: %v", err)
			atomic.StoreInt32(&running, 0)
			continue
		}

		for _, event := range events {
			offset.LastEventTime = event.CreatedAt
			offset.LastEventID = event.EventID
			var meta eventMeta
			_ = json.Unmarshal(event.Payload, &meta)
			broadcaster.Broadcast(hub.Event{
				Type:     event.Type,
				ClinicID: event.ClinicID,
				Payload:  event.Payload,
			}, meta.EntryID)
		}

		if len(events) > 0 {
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := entries.UpdateOffset(writeCtx, offset); err != nil {
				log.Printf("update offset error: %v", err)
			}
			if err := entries.CleanupOutbox(writeCtx, offset.LastEventTime.Add(-time.Hour)); err != nil {
				log.Printf("cleanup outbox error: %v", err)
			}
			cancel()
		}
		atomic.StoreInt32(&running, 0)
	}
}

// runJanitor sweeps check-ins that were never approved. Front desks forget
// about closed-tab patients; the sweep keeps the approval list honest.
func runJanitor(ctx context.Context, entries store.EntryStore, cfg config.Config) {
	maxAge := time.Duration(cfg.PendingMaxAgeHours) * time.Hour
	interval := time.Duration(cfg.PendingScanInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		scanCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		purged, err := entries.PurgeStalePending(scanCtx, maxAge, cfg.OutboxBatchSize)
		cancel()
		if err != nil {
			log.Printf("stale pending sweep error: %v", err)
			continue
		}
		if purged > 0 {
			log.Printf("stale pending sweep purged=%d", purged)
		}
	}
}
