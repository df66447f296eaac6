package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isopen-io/meeshy-sync/config"
	"github.com/isopen-io/meeshy-sync/internal/handler"
	"github.com/isopen-io/meeshy-sync/internal/model"
	"github.com/isopen-io/meeshy-sync/internal/repository"
	"github.com/isopen-io/meeshy-sync/internal/service"
	dbPkg "github.com/isopen-io/meeshy-sync/pkg/db"
	"github.com/isopen-io/meeshy-sync/pkg/jwt"
	"github.com/isopen-io/meeshy-sync/pkg/logger"
	redisPkg "github.com/isopen-io/meeshy-sync/pkg/redis"
	"github.com/isopen-io/meeshy-sync/pkg/response"
	"github.com/isopen-io/meeshy-sync/pkg/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg := config.LoadConfig()

	// 2. 初始化日志系统
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	log.Info("=== 消息同步服务启动 ===")
	log.Info("服务器配置信息",
		zap.String("port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Int("translation_workers", cfg.Translation.Workers),
		zap.String("log_level", cfg.Log.Level),
	)

	// 3. 初始化数据库连接
	db, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatal("数据库连接失败", zap.Error(err))
	}
	defer func() {
		if err := dbPkg.CloseDB(); err != nil {
			log.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()
	log.Info("数据库连接成功")

	// 3.1 自动迁移表结构
	if err := dbPkg.AutoMigrate(
		&model.Conversation{},
		&model.ConversationMember{},
		&model.Message{},
		&model.ReadCursor{},
	); err != nil {
		log.Fatal("自动迁移失败", zap.Error(err))
	}
	log.Info("自动迁移完成")

	// 3.2 初始化Redis
	redisClient, err := redisPkg.NewClient(cfg.Redis)
	if err != nil {
		log.Fatal("Redis连接失败", zap.Error(err))
	}
	defer redisClient.Close()
	presence := redisPkg.NewPresence(redisClient)
	translationCache := redisPkg.NewTranslationCache(redisClient, cfg.Translation.CacheTTL)
	log.Info("Redis连接成功")

	// 3.3 初始化存储层
	messageRepo := repository.NewMessageRepository(db)
	cursorRepo := repository.NewCursorRepository(db)
	memberRepo := repository.NewMemberRepository(db)

	// 3.4 初始化业务服务
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	manager := websocket.NewManager(log)
	cursorTracker := service.NewCursorTracker(cursorRepo, messageRepo, manager, log)

	translator := service.NewHTTPTranslator(cfg.Translation.Endpoint, cfg.Translation.RequestTimeout)
	translationSvc := service.NewTranslationService(translationCache, translator, manager, messageRepo, cfg.Translation, log)

	ingestSvc := service.NewMessageIngestService(messageRepo, memberRepo, cursorTracker, manager, translationSvc, log)
	syncSvc := service.NewSyncService(messageRepo, memberRepo, log)
	reactions := service.NewHTTPReactionSource(cfg.Reactions.BaseURL, cfg.Reactions.Timeout)

	// 启动翻译工作协程
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	translationSvc.Start(workerCtx)

	wsHandler := websocket.NewHandler(manager, jwtSvc, ingestSvc, syncSvc, cursorTracker, reactions, presence, cfg.WebSocket, log)
	messageHandler := handler.NewMessageHandler(ingestSvc, syncSvc, cursorTracker, memberRepo, messageRepo)

	// 4. 设置Gin模式
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 5. 创建Gin路由
	router := gin.New()
	router.Use(logger.LoggerMiddleware())
	router.Use(logger.ErrorLoggerMiddleware())

	// 6. 基础路由
	setupBasicRoutes(router, redisClient, manager)

	// 6.1 业务路由
	v1 := router.Group("/api/v1")
	v1.Use(jwtSvc.AuthMiddleware())
	{
		messages := v1.Group("/messages")
		{
			messages.POST("/send", messageHandler.SendMessage)       // 发送消息
			messages.PUT("/:id", messageHandler.EditMessage)         // 编辑消息
			messages.DELETE("/:id", messageHandler.DeleteMessage)    // 删除消息
			messages.GET("/:id/status", messageHandler.GetMessageStatus) // 查询送达/已读状态
		}

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:id/messages", messageHandler.GetMessages) // 会话消息历史
			conversations.GET("/:id/sync", messageHandler.SyncMessages)    // 增量同步
		}
	}

	// WebSocket路由
	router.GET("/ws", wsHandler.Serve)

	// 7. 创建HTTP服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 8. 启动HTTP服务器
	go func() {
		log.Info("HTTP服务器启动", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP服务器启动失败", zap.Error(err))
		}
	}()

	// 9. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP服务器关闭失败", zap.Error(err))
	}

	// 停止翻译队列，等待在途任务完成
	translationSvc.Stop()
	stopWorkers()

	log.Info("服务器已安全关闭")
}

// setupBasicRoutes 设置基础路由
func setupBasicRoutes(router *gin.Engine, redisClient *redisPkg.Client, manager *websocket.Manager) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if err := dbPkg.HealthCheck(); err != nil {
			status = "db-down"
		} else if err := redisClient.HealthCheck(); err != nil {
			status = "redis-down"
		}
		response.Success(c, gin.H{
			"status":      status,
			"connections": manager.ConnectionCount(),
			"time":        time.Now().Format(time.RFC3339),
		})
	})

	// 根路径
	router.GET("/", func(c *gin.Context) {
		response.Success(c, gin.H{
			"message": "消息同步服务",
			"version": "1.0.0",
		})
	})
}
