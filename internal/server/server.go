package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/quizroom/internal/answer"
	"github.com/victornm/quizroom/internal/api"
	"github.com/victornm/quizroom/internal/badge"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/participant"
	"github.com/victornm/quizroom/internal/quiz"
	"github.com/victornm/quizroom/internal/ranking"
	"github.com/victornm/quizroom/internal/reward"
	"github.com/victornm/quizroom/internal/room"
	"github.com/victornm/quizroom/internal/store/postgres"
	"github.com/victornm/quizroom/internal/telemetry"
	"github.com/victornm/quizroom/internal/xp"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

// DSN is the connection URL understood by both pgx and bun's pgdriver.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Pass),
		Host:     c.Addr,
		Path:     c.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

type Config struct {
	Log telemetry.LogConfig

	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Leaderboard RedisConfig
		Pubsub      RedisConfig
	}

	Postgres PostgresConfig

	Quiz struct {
		CacheTTL time.Duration
	}

	Engine struct {
		MinRatio           float64
		DefaultBasePoints  int
		DefaultTimeLimit   time.Duration
		AllowLateGroupJoin bool

		XP struct {
			Participation int64
			PerCorrect    int64
			// Placement lists the XP for positions 1, 2 and 3.
			Placement []int64
		}
	}

	Badges struct {
		// Catalog is an optional YAML file upserted into storage at startup.
		Catalog string
	}
}

func DefaultConfig() Config {
	var c Config
	c.Log = telemetry.LogConfig{Level: "info", Format: "text"}
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Leaderboard = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "quizroom"}
	c.Redis.Pubsub = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "quizroom"}
	c.Postgres = PostgresConfig{Addr: "localhost:5432", User: "quizroom", Pass: "quizroom", Name: "quizroom"}
	c.Quiz.CacheTTL = 5 * time.Minute
	c.Engine.MinRatio = 0.5
	c.Engine.DefaultBasePoints = 1000
	c.Engine.DefaultTimeLimit = 20 * time.Second
	c.Engine.XP.Participation = room.DefaultXP.Participation
	c.Engine.XP.PerCorrect = room.DefaultXP.PerCorrect
	c.Engine.XP.Placement = append([]int64(nil), room.DefaultXP.Placement[:]...)
	return c
}

// XPConfig converts the engine section into what the room manager pays.
func (c Config) XPConfig() (room.XPConfig, error) {
	x := room.XPConfig{
		Participation: c.Engine.XP.Participation,
		PerCorrect:    c.Engine.XP.PerCorrect,
	}
	if len(c.Engine.XP.Placement) > len(x.Placement) {
		return x, fmt.Errorf("engine.xp.placement: at most %d positions, got %d", len(x.Placement), len(c.Engine.XP.Placement))
	}
	copy(x.Placement[:], c.Engine.XP.Placement)
	return x, nil
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		quizzes      *quiz.Provider
		ledger       *xp.Ledger
		badges       *badge.Service
		ranking      *ranking.Aggregator
		rewards      *reward.Assignor
		participants *participant.Registry
		answers      *answer.Service
		rooms        *room.Manager
		leaderboard  *leaderboard.Service
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

func Init(ctx context.Context, c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(ctx); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(ctx); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra(ctx context.Context) error {
	if err := s.initRedis(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis(ctx context.Context) error {
	connect := func(c RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(s.c.Postgres.DSN())
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService(ctx context.Context) error {
	xpc, err := s.c.XPConfig()
	if err != nil {
		return err
	}

	st := postgres.NewStore(postgres.Config{DB: s.infra.postgres})

	s.service.quizzes = quiz.NewProvider(quiz.Config{
		Loader: quiz.NewPostgresLoader(s.infra.postgres),
		TTL:    s.c.Quiz.CacheTTL,
	})

	s.service.ledger = xp.NewLedger(xp.Config{Store: st})

	s.service.badges = badge.NewService(badge.Config{
		Store:  st,
		Ledger: s.service.ledger,
	})

	if s.c.Badges.Catalog != "" {
		catalog, err := badge.LoadCatalog(s.c.Badges.Catalog)
		if err != nil {
			return err
		}
		if err := s.service.badges.Seed(ctx, catalog); err != nil {
			return fmt.Errorf("seed badges: %w", err)
		}
		slog.InfoContext(ctx, "server: badge catalog seeded", "badges", len(catalog))
	}

	s.service.ranking = ranking.NewAggregator(ranking.Config{Store: st})
	s.service.rewards = reward.NewAssignor(reward.Config{Store: st})

	s.service.participants = participant.NewRegistry(participant.Config{
		Store:              st,
		AllowLateGroupJoin: s.c.Engine.AllowLateGroupJoin,
	})

	s.service.answers = answer.NewService(answer.Config{
		EventBus:          s.eb,
		Store:             st,
		Quizzes:           s.service.quizzes,
		MinRatio:          s.c.Engine.MinRatio,
		DefaultBasePoints: s.c.Engine.DefaultBasePoints,
	})

	s.service.rooms = room.NewManager(room.Config{
		Store:            st,
		EventBus:         s.eb,
		Quizzes:          s.service.quizzes,
		Ranking:          s.service.ranking,
		Rewards:          s.service.rewards,
		Ledger:           s.service.ledger,
		Badges:           s.service.badges,
		XP:               xpc,
		DefaultTimeLimit: s.c.Engine.DefaultTimeLimit,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		EventBus:     s.eb,
		Rooms:        s.service.rooms,
		Participants: s.service.participants,
		Answers:      s.service.answers,
		Ranking:      s.service.ranking,
		Rewards:      s.service.rewards,
		Leaderboard:  s.service.leaderboard,
		Ledger:       s.service.ledger,
		Badges:       s.service.badges,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	}).Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
}

// Start serves HTTP and gRPC until one of them fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("grpc server: listen: %w", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return eg.Wait()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.Close()
	for _, r := range []redis.UniversalClient{s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if err := r.Close(); err != nil {
			slog.WarnContext(ctx, "server: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
