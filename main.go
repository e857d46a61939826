package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	alarmapp "ess-cloud/internal/alarms/application"
	alarmrepo "ess-cloud/internal/alarms/infrastructure/postgres"
	alarmhttp "ess-cloud/internal/alarms/interfaces/http"
	alarmmqtt "ess-cloud/internal/alarms/interfaces/mqtt"
	alarmnotify "ess-cloud/internal/alarms/notify"
	"ess-cloud/internal/audit"
	"ess-cloud/internal/auth"
	devicerepo "ess-cloud/internal/devices/infrastructure/postgres"
	"ess-cloud/internal/ingest"
	"ess-cloud/internal/observability/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	deviceRepo := devicerepo.NewDeviceRepository(db)
	activeRepo := alarmrepo.NewAlarmRepository(db)
	historyRepo := alarmrepo.NewHistoryRepository(db)

	broker := alarmhttp.NewSSEBroker()
	notifiers := []alarmapp.AlarmNotifier{broker}
	if cfg.AlarmWebhookURL != "" {
		webhook, err := alarmnotify.NewWebhookNotifier(cfg.AlarmWebhookURL, logger,
			alarmnotify.WithCooldown(cfg.AlarmNotifyCooldown),
			alarmnotify.WithDedupeWindow(cfg.AlarmNotifyDedupeWindow),
			alarmnotify.WithRequestTimeout(cfg.AlarmNotifyTimeout))
		if err != nil {
			logger.Fatalf("alarm webhook error: %v", err)
		}
		notifiers = append(notifiers, webhook)
	}
	alarmService, err := alarmapp.NewService(activeRepo, historyRepo,
		alarmapp.WithNotifier(alarmnotify.NewMultiNotifier(notifiers...)))
	if err != nil {
		logger.Fatalf("alarm service error: %v", err)
	}

	alarmHandler, err := alarmhttp.NewHandler(alarmService, deviceRepo, logger, alarmhttp.WithAuditor(auditRepo))
	if err != nil {
		logger.Fatalf("alarm handler error: %v", err)
	}

	ingestCfg, err := ingest.LoadConfig()
	if err != nil {
		logger.Fatalf("ingest config error: %v", err)
	}
	consumer, err := alarmmqtt.NewConsumer(alarmService, deviceRepo, logger,
		alarmmqtt.WithTimeout(ingestCfg.HandleTimeout))
	if err != nil {
		logger.Fatalf("mqtt consumer error: %v", err)
	}
	if cfg.MQTTEnabled {
		mqttClient, err := ingest.NewClient(ingestCfg, logger)
		if err != nil {
			logger.Fatalf("mqtt connect error: %v", err)
		}
		defer mqttClient.Disconnect()
		if err := mqttClient.Subscribe(ingestCfg.AlarmTopic, ingestCfg.QoS, consumer.Handle); err != nil {
			logger.Fatalf("mqtt subscribe error: %v", err)
		}
	} else {
		logger.Printf("mqtt ingestion disabled")
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/alarms/stream", alarmhttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/alarms", alarmHandler)
	mux.Handle("/api/v1/alarms/", alarmHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL             string
	HTTPAddr                string
	JWTSecret               string
	MQTTEnabled             bool
	AlarmWebhookURL         string
	AlarmNotifyCooldown     time.Duration
	AlarmNotifyDedupeWindow time.Duration
	AlarmNotifyTimeout      time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:             getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:                getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:               getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		MQTTEnabled:             getenvDefault("MQTT_ENABLED", "true") == "true",
		AlarmWebhookURL:         getenvDefault("ALARM_WEBHOOK_URL", ""),
		AlarmNotifyCooldown:     getenvDuration("ALARM_NOTIFY_COOLDOWN", 0),
		AlarmNotifyDedupeWindow: getenvDuration("ALARM_NOTIFY_DEDUP_WINDOW", 0),
		AlarmNotifyTimeout:      getenvDuration("ALARM_NOTIFY_TIMEOUT", 10*time.Second),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working behind the wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
