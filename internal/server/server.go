// Package server contains the HTTP and WebSocket handlers for the Closer API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "closer/docs" // swagger docs
	"closer/internal/auth"
	"closer/internal/cache"
	"closer/internal/config"
	"closer/internal/database"
	"closer/internal/middleware"
	"closer/internal/models"
	"closer/internal/notifications"
	"closer/internal/observability"
	"closer/internal/repository"
	"closer/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	verifier       *auth.Verifier
	validate       *validator.Validate
	userRepo       repository.UserRepository
	live           *notifications.LiveChannel
	rooms          *service.RoomService
	messages       *service.MessageService
	notifier       *service.NotificationService
	social         *service.SocialService
	chatbot        *service.ChatbotService
}

// NewServer connects to the database and Redis described by cfg and wires the
// server on top of them.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Redis is optional; without it the live channel is process-local.
	redisClient := cache.InitRedis(cfg.RedisURL)

	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB/Redis itself.
// redisClient may be nil.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	if cfg == nil || db == nil {
		return nil, fmt.Errorf("config and database are required")
	}

	userRepo := repository.NewUserRepository(db, cache.NewJSONCache(redisClient))
	chatRepo := repository.NewChatRepository(db)

	live := notifications.NewLiveChannel(redisClient, notifications.Config{
		Presence: notifications.PresenceConfig{OfflineGrace: cfg.PresenceOfflineGrace},
	})

	pages := service.PageDefaults{Limit: cfg.MessagePageDefault, MaxLimit: cfg.MessagePageMax}
	if pages.Limit <= 0 {
		pages = service.DefaultPageDefaults
	}

	rooms := service.NewRoomService(chatRepo, userRepo, models.AISender(cfg.AISenderName, cfg.AISenderAvatar))
	notifier := service.NewNotificationService(
		repository.NewNotificationRepository(db), userRepo, live, cfg.NotificationDedupWindow)
	messages := service.NewMessageService(chatRepo, rooms, notifier, live, pages)

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: observability.InitMetrics("closer-api"),
		verifier:       auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, redisClient),
		validate:       validator.New(),
		userRepo:       userRepo,
		live:           live,
		rooms:          rooms,
		messages:       messages,
		notifier:       notifier,
		social:         service.NewSocialService(repository.NewSocialRepository(db), userRepo, notifier),
		chatbot:        service.NewChatbotService(rooms, messages, live),
	}

	live.Presence().SetCallbacks(
		func(userID uint) { s.broadcastStatus(userID, "online") },
		func(userID uint) { s.broadcastStatus(userID, "offline") },
	)

	return s, nil
}

// Live exposes the live channel so a bootstrap layer can wire it to Redis.
func (s *Server) Live() *notifications.LiveChannel { return s.live }

// NewApp builds the Fiber app with every middleware and route registered.
func (s *Server) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "Closer API",
		BodyLimit: 1 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := models.StatusFor(err)
			if status >= fiber.StatusInternalServerError {
				observability.Logger.ErrorContext(c.UserContext(), "unhandled error",
					slog.String("path", c.Path()), slog.String("error", err.Error()))
			}
			return models.RespondWithAppError(c, err)
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	app.Use(middleware.TracingMiddleware())

	// Prometheus Metrics
	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	// Security headers
	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:     "GET,POST,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	// Global rate limiting (300 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error: "Too many requests, please try again later.",
				Code:  "RATE_LIMITED",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	// Health checks
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	// Metrics endpoint for Prometheus
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "Closer Metrics Dashboard",
	}))
	api.Get("/swagger/*", swagger.HandlerDefault)

	// Live channel
	api.Post("/ws/ticket", s.AuthRequired(), s.IssueWSTicket)
	api.Get("/ws", s.AuthRequired(), s.WebSocketHandler())
	api.Post("/auth/logout", s.AuthRequired(), s.Logout)

	protected := api.Group("", s.AuthRequired())

	// Rooms and messages
	protected.Get("/rooms", s.ListRooms)
	protected.Get("/room/:otherUserId", s.GetOrCreateRoom)
	protected.Post("/message", middleware.RateLimit(
		s.redis, 30, time.Minute, "send_message"), s.SendMessage)
	messages := protected.Group("/messages")
	// Specific /item route before the generic /:roomKey routes
	messages.Patch("/item/:id", s.EditMessage)
	messages.Patch("/:roomKey/read", s.MarkRoomRead)
	messages.Get("/:roomKey/unread-count", s.GetRoomUnreadCount)
	messages.Get("/:roomKey", s.ListMessages)

	// Notifications
	notes := protected.Group("/notifications")
	notes.Get("/", s.ListNotifications)
	notes.Get("/unread-count", s.GetUnreadNotificationCount)
	notes.Patch("/mark-all-read", s.MarkAllNotificationsRead)
	notes.Patch("/:id/read", s.MarkNotificationRead)
	notes.Delete("/:id", s.DeleteNotification)

	// Social triggers
	users := protected.Group("/users")
	users.Post("/:id/follow", middleware.RateLimit(
		s.redis, 60, time.Minute, "follow"), s.FollowUser)
	users.Delete("/:id/follow", s.UnfollowUser)
	users.Get("/:id/presence", s.GetUserPresence)

	posts := protected.Group("/posts")
	posts.Post("/:id/media/:mediaId/like", middleware.RateLimit(
		s.redis, 60, time.Minute, "like"), s.LikeMedia)
	posts.Delete("/:id/media/:mediaId/like", s.UnlikeMedia)
	posts.Post("/:id/comments", middleware.RateLimit(
		s.redis, 60, time.Minute, "comment"), s.CreateComment)

	// Chatbot persistence
	chatbot := protected.Group("/chatbot")
	chatbot.Get("/room", s.GetChatbotRoom)
	chatbot.Post("/messages", s.CreateChatbotExchange)
}

// AuthRequired returns the authentication middleware. It accepts, in order, a
// single-use ticket, a Bearer header, or a token query parameter.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		var (
			userID uint
			err    error
		)
		if ticket := c.Query("ticket"); ticket != "" {
			userID, err = s.verifier.RedeemTicket(ctx, ticket)
		} else {
			token := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
			if token == "" {
				token = c.Query("token")
			}
			userID, err = s.verifier.Verify(ctx, token)
			if err == nil {
				c.Locals("accessToken", token)
			}
		}
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError(authMessage(err)))
		}

		c.Locals("userID", userID)
		c.SetUserContext(observability.WithUserID(ctx, userID))
		return c.Next()
	}
}

// Start wires the live channel to Redis and listens on the configured port.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	if err := s.live.Start(s.shutdownCtx); err != nil {
		observability.Logger.Warn("live channel running process-local",
			slog.String("error", err.Error()))
	}

	app := s.NewApp()
	observability.Logger.Info("Server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Cancel the server-scoped context to stop the bus subscriber
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			observability.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := s.live.Shutdown(ctx); err != nil {
		observability.Logger.Error("error shutting down live channel", slog.String("error", err.Error()))
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			observability.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			observability.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	observability.Logger.Info("Server shutdown complete")
	return nil
}

func (s *Server) broadcastStatus(userID uint, status string) {
	if err := s.live.PublishAll(context.Background(), notifications.EventUserStatus, fiber.Map{
		"userId": userID,
		"status": status,
	}); err != nil {
		observability.LiveLogger("presence").Warn("failed to broadcast user status",
			slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
	}
}
