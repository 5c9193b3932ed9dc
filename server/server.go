package server

import (
	"context"
	"time"

	"LiveDesk/config"
	"LiveDesk/handlers"
	"LiveDesk/kafka"
	"LiveDesk/limiter"
	custommiddleware "LiveDesk/middleware"
	"LiveDesk/models"
	liveredis "LiveDesk/redis"
	"LiveDesk/services"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Server struct {
	Echo                 *echo.Echo
	DB                   *gorm.DB
	Config               *config.Config
	Redis                *liveredis.RedisClient
	Bus                  *liveredis.FanoutBus
	Presence             *liveredis.PresenceStore
	Producer             *kafka.Producer
	Consumer             *kafka.Consumer
	AdminHandler         *handlers.AdminHandler
	ChatWebSocketHandler *handlers.ChatWebSocketHandler
	Limiter              *limiter.Manager
}

func NewServer() *Server {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		log.Fatal("Failed to auto-migrate database:", err)
	}

	rdb, err := liveredis.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to redis:", err)
	}
	presence := liveredis.NewPresenceStore(rdb.Client, time.Duration(cfg.Routing.PresenceTTLSeconds)*time.Second)
	bus := liveredis.NewFanoutBus(rdb.Client, cfg.Server.InstanceID)

	// Kafka 审计流可选：未配置 broker 时降级为本地日志
	var producer *kafka.Producer
	var consumer *kafka.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		saramaConfig, err := kafka.NewSaramaConfig(&cfg.Kafka, cfg.Server.InstanceID)
		if err != nil {
			log.Fatal("Failed to build kafka config:", err)
		}
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, saramaConfig)
		if err != nil {
			log.Fatal("Failed to create kafka producer:", err)
		}
		consumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
			[]string{cfg.Kafka.AuditTopic}, saramaConfig, kafka.NewAuditHandler(db))
		if err != nil {
			log.Fatal("Failed to create kafka consumer:", err)
		}
	}

	// 初始化 Echo
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"http://localhost:5173"},
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.PATCH},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		MaxAge:           86400,
	}))

	authService := services.NewAuthService(db, &cfg.Auth)
	workloadService := services.NewWorkloadService(db, presence, cfg.Routing.DefaultMaxChats)
	visitorService := services.NewVisitorService(db, bus)
	var audit services.AuditPublisher
	if producer != nil {
		audit = producer
	}
	assignmentService := services.NewAssignmentService(db, workloadService, presence, bus,
		audit, cfg.Kafka.AuditTopic, cfg.Server.InstanceID)
	triggerService := services.NewTriggerService(db, assignmentService, nil, nil, bus)

	wsHandler := handlers.NewChatWebSocketHandler(db, authService, visitorService,
		assignmentService, triggerService, presence, bus,
		time.Duration(cfg.Routing.HandshakeTimeoutSec)*time.Second)
	adminHandler := handlers.NewAdminHandler(db, authService, assignmentService,
		triggerService, visitorService, workloadService, presence, func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
			defer cancel()
			if err := rdb.Client.Ping(ctx).Err(); err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})

	// 跨实例事件订阅：其他实例发布的房间事件投递到本地连接
	bus.Subscribe(context.Background(), wsHandler.DeliverFanout)

	limiterManager := limiter.NewManager(rdb.Client, &limiter.FixedWindowStrategy{})

	s := &Server{
		Echo:                 e,
		DB:                   db,
		Config:               &cfg,
		Redis:                rdb,
		Bus:                  bus,
		Presence:             presence,
		Producer:             producer,
		Consumer:             consumer,
		AdminHandler:         adminHandler,
		ChatWebSocketHandler: wsHandler,
		Limiter:              limiterManager,
	}

	authMiddleware := custommiddleware.AuthMiddleware(authService)
	agentMiddleware := custommiddleware.AgentMiddleware()
	s.SetupRoutes(authMiddleware, agentMiddleware)
	return s
}

// StartConsumer 启动审计流消费（未配置 Kafka 时为空操作）
func (s *Server) StartConsumer(ctx context.Context) {
	if s.Consumer == nil {
		return
	}
	go func() {
		if err := s.Consumer.Start(ctx); err != nil {
			log.Error("Audit consumer stopped:", err)
		}
	}()
}

func (s *Server) Start(addr string) {
	log.Fatal(s.Echo.Start(addr))
}
