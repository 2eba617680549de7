package server

import (
	"os"

	"rdm-server/auth"
	"rdm-server/confs"
	"rdm-server/db"
	"rdm-server/handlers"
	httpHandler "rdm-server/handlers/http"
	"rdm-server/monitor"
	"rdm-server/registry"
	"rdm-server/repositories"
	"rdm-server/usecases"
	"rdm-server/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Server struct {
	app *gin.Engine
	cfg *confs.Config
	db  db.Database

	manager    *ws.Manager
	aggregator *monitor.Aggregator
}

func NewServer(cfg *confs.Config, database db.Database) *Server {
	return &Server{
		app: gin.Default(),
		cfg: cfg,
		db:  database,
	}
}

func (s *Server) Start() error {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	s.app.Use(cors.New(config))

	s.app.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "rdm-server"})
	})

	// Repositories over the ledger.
	deviceRepo := repositories.NewDevicePgRepository(s.db)
	commandRepo := repositories.NewCommandPgRepository(s.db)
	logRepo := repositories.NewLogPgRepository(s.db)
	userRepo := repositories.NewUserPgRepository(s.db)

	// Core state.
	reg := registry.New(deviceRepo)
	if err := reg.Load(); err != nil {
		return err
	}
	commandsUseCase := usecases.NewCommandsUseCase(commandRepo)

	tokens := auth.NewTokenService(s.cfg.TokenSecret, s.cfg.TokenTTL)
	if err := auth.EnsureAdmin(userRepo, adminUsername(), adminPassword()); err != nil {
		return err
	}

	s.manager = ws.NewManager(tokens, reg, commandsUseCase, logRepo, s.cfg.HeartbeatTimeout)

	s.aggregator = monitor.NewAggregator(monitor.NewSessionSampler(s.manager), s.cfg.MonitorInterval)
	s.aggregator.Watch(reg, s.cfg.MonitorInterval)

	// Handlers.
	wsHandler := handlers.NewWSHandler(s.manager)
	loginHandler := httpHandler.NewLoginHandler(tokens, userRepo)
	deviceHandler := httpHandler.NewDeviceHandler(reg)
	commandHandler := httpHandler.NewCommandHandler(s.manager, commandsUseCase)
	logsHandler := httpHandler.NewLogsHandler(logRepo)
	statsHandler := httpHandler.NewStatsHandler(s.aggregator)

	s.app.POST("/api/auth/login", loginHandler.Login)

	api := s.app.Group("/api/v1")
	api.Use(httpHandler.RequireAuth(tokens))
	{
		devices := api.Group("/devices")
		{
			devices.GET("", deviceHandler.GetAllDevices)
			devices.GET("/connected", wsHandler.GetConnectedDevices)
			devices.GET("/:id", deviceHandler.GetDevice)
			devices.GET("/:id/commands", commandHandler.GetDeviceCommands)
		}

		commands := api.Group("/commands")
		{
			commands.POST("", commandHandler.Enqueue)
			commands.GET("/:id", commandHandler.GetCommand)
		}

		api.GET("/logs", logsHandler.List)
		api.GET("/stats", statsHandler.Snapshot)
	}

	s.app.GET("/ws", wsHandler.HandleDeviceWS)

	addr := s.cfg.Host + ":" + s.cfg.Port
	log.Info().Str("addr", addr).Msg("rdm server listening")
	return s.app.Run(addr)
}

// Shutdown stops the aggregator and closes every agent session.
func (s *Server) Shutdown() {
	if s.aggregator != nil {
		s.aggregator.Stop()
	}
	if s.manager != nil {
		s.manager.CloseAll()
	}
}

func adminUsername() string { return os.Getenv("ADMIN_USERNAME") }
func adminPassword() string { return os.Getenv("ADMIN_PASSWORD") }
