package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/config"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
	pginfra "quiz-session-service/internal/infra/postgres"
	redisinfra "quiz-session-service/internal/infra/redis"
	transport "quiz-session-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port, nodeID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port, *nodeID)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag, nodeFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	node := nodeFlag
	if node == "" {
		node = cfg.Node.ID
	}
	if node == "" {
		host, _ := os.Hostname()
		node = host + "-" + uuid.NewString()[:8]
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pginfra.NewQuizLoader(pool)
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	sessionCfg := sessionConfig(cfg)

	var registry app.SessionRegistry
	if redisClient != nil {
		registry = redisinfra.NewRegistry(redisClient, sessionCfg.LeaseTTL)
	} else {
		registry = memory.NewRegistry(sessionCfg.LeaseTTL)
	}

	heartbeatTimeout := config.TTLDuration(cfg.Connections.HeartbeatTimeout, 30*time.Second)
	broadcasterOpts := []app.BroadcasterOption{app.WithHeartbeatTimeout(heartbeatTimeout)}
	if redisClient != nil {
		broadcasterOpts = append(broadcasterOpts,
			app.WithConnectionIndex(redisinfra.NewConnectionIndex(redisClient, heartbeatTimeout)),
			app.WithRelay(redisinfra.NewRelay(redisClient)),
		)
	} else {
		broadcasterOpts = append(broadcasterOpts, app.WithConnectionIndex(memory.NewConnectionIndex()))
	}
	broadcaster := app.NewBroadcaster(
		config.IntOr(cfg.Connections.Buffer, 16),
		config.IntOr(cfg.Connections.MaxFailures, 3),
		broadcasterOpts...,
	)

	var sink app.EventSink = memory.NewEventLog()
	if pool != nil {
		sink = pginfra.NewEventAppender(pool)
	}
	publisher := app.NewPublisher(
		sink,
		config.IntOr(cfg.Events.QueueSize, 256),
		uint64(config.IntOr(cfg.Events.MaxRetries, 5)),
		config.TTLDuration(cfg.Events.RetryInterval, 100*time.Millisecond),
	)

	service := app.NewSessionService(registry, quizRepo, broadcaster, publisher, node, sessionCfg)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go publisher.Run(runCtx)
	go func() {
		if err := broadcaster.Run(runCtx); err != nil && err != context.Canceled {
			log.Printf("broadcaster stopped: %v", err)
		}
	}()

	wsHandler := transport.NewWSHandler(service, broadcaster)
	controlHandler := transport.NewControlHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	controlHandler.Register(mux)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting session service on :%s as node %s", finalPort, node)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func sessionConfig(cfg config.Config) app.SessionConfig {
	defaults := app.DefaultSessionConfig()
	return app.SessionConfig{
		QuestionDuration: config.TTLDuration(cfg.Session.QuestionDuration, defaults.QuestionDuration),
		GradingWindow:    config.TTLDuration(cfg.Session.GradingWindow, defaults.GradingWindow),
		LeaseTTL:         config.TTLDuration(cfg.Session.LeaseTTL, defaults.LeaseTTL),
		RenewInterval:    config.TTLDuration(cfg.Session.RenewInterval, defaults.RenewInterval),
		SubmissionRate:   rate.Limit(config.FloatOr(cfg.Session.SubmissionRate, float64(defaults.SubmissionRate))),
		SubmissionBurst:  config.IntOr(cfg.Session.SubmissionBurst, defaults.SubmissionBurst),
		EarlyClose:       config.BoolOr(cfg.Session.EarlyClose, defaults.EarlyClose),
		ArchiveGrace:     config.TTLDuration(cfg.Session.ArchiveGrace, defaults.ArchiveGrace),
	}
}

// sampleQuizzes provides a minimal quiz set for running without a
// content database; swap the loader for Postgres in production.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
					Points: 1,
				},
				{
					ID:     "q2",
					Prompt: "What is 6 / 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: true},
						{ID: "o2", Text: "4", Correct: false},
					},
					Points: 1,
				},
			},
		},
	}
}
