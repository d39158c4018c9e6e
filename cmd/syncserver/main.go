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

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	redisDriver "github.com/redis/go-redis/v9"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/handlers/syncserver"
	appKafka "chatsync/internal/kafka"
	"chatsync/internal/presence"
	"chatsync/internal/store"
	"chatsync/internal/websocket"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("同步服务器配置加载成功。")

	// 2. 初始化数据库连接
	db, err := store.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("同步服务器数据库连接成功。")

	// 3. 自动迁移数据库表结构 (通常一个服务实例负责即可)
	if err := store.AutoMigrateTables(db); err != nil {
		log.Fatalf("无法迁移数据库表: %v", err)
	}
	log.Println("同步服务器数据库表迁移成功。")

	// 4. 初始化 Redis Client (输入提示/在线状态)
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err = redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("无法连接到 Redis: %v", err)
	}
	log.Println("成功连接到 Redis")

	// 5. 初始化 Kafka 生产者 (存储层写入后发布变更提示)
	hintProducer, err := appKafka.NewConfluentHintProducer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建 Kafka 生产者: %v", err)
	}
	defer hintProducer.Close()
	log.Println("Kafka 变更提示生产者初始化成功。")

	// 6. 初始化远端存储
	remoteStore := store.NewGormRemoteStore(db, hintProducer)

	// 7. 初始化 Kafka 消费者和快照源
	hintConsumer, err := appKafka.NewConfluentHintConsumer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建 Kafka 消费者: %v", err)
	}
	defer hintConsumer.Close()

	feed := store.NewSnapshotFeed(hintConsumer, remoteStore)
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	defer cancelFeed()
	go func() {
		log.Printf("快照源启动，监听 topic: %s", cfg.Kafka.ChangeHintTopic)
		if err := feed.Run(feedCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("快照源错误: %v", err)
		}
		log.Println("快照源 goroutine 已停止。")
	}()

	// 8. 初始化在线状态发布器和引擎管理器
	publisher := presence.NewRedisPublisher(redisClient, cfg.Sync.TypingTTL, cfg.Sync.PresenceTTL)
	manager := syncserver.NewEngineManager(cfg.Sync, remoteStore, feed, publisher)

	// 9. 初始化认证：用户目录 + 登录/登出通知
	directory := auth.NewMemoryDirectory()
	sessions := auth.NewSessions()
	go manager.Watch(sessions) // 登出时清空对应用户的引擎状态

	// 10. 初始化 WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()
	log.Println("WebSocket Hub 已启动。")

	// 11. 初始化 Handlers
	authHandler := syncserver.NewAuthHandler(directory, sessions, cfg.Auth)
	syncHandler := syncserver.NewSyncHandler(manager)

	// 12. 设置 HTTP 路由
	r := mux.NewRouter()

	// 12.1 认证路由 (不需要令牌)
	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/register", authHandler.RegisterHandler).Methods(http.MethodPost)
	authRouter.HandleFunc("/signin", authHandler.SignInHandler).Methods(http.MethodPost)

	authMW := syncserver.AuthMiddleware(cfg.Auth)

	// 12.2 API 子路由 (需要认证)
	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authMW)

	apiRouter.HandleFunc("/auth/signout", authHandler.SignOutHandler).Methods(http.MethodPost)

	// 会话路由
	apiRouter.HandleFunc("/conversations", syncHandler.ListConversationsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations", syncHandler.EnsureConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/open", syncHandler.OpenConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/close", syncHandler.CloseConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/messages", syncHandler.GetMessagesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{id}/messages", syncHandler.SendMessageHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/messages/more", syncHandler.LoadMoreHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/messages/{messageId}", syncHandler.EditMessageHandler).Methods(http.MethodPut)
	apiRouter.HandleFunc("/conversations/{id}/messages/{messageId}", syncHandler.DeleteMessageHandler).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/conversations/{id}/messages/{messageId}/reactions", syncHandler.ToggleReactionHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/read", syncHandler.MarkReadHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/typing", syncHandler.TypingHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/users/{userId}/presence", syncHandler.PresenceHandler).Methods(http.MethodGet)

	// 12.3 WebSocket 入口 (令牌经 query 参数传入)
	wsRouter := r.PathPrefix(cfg.Server.WebSocketPath).Subrouter()
	wsRouter.Use(authMW)
	wsRouter.HandleFunc("", func(w http.ResponseWriter, req *http.Request) {
		userID, ok := auth.ActorFromContext(req.Context())
		if !ok {
			http.Error(w, "用户未认证", http.StatusUnauthorized)
			return
		}
		engine, typing := manager.GetOrCreate(userID)
		websocket.ServeWs(hub, engine, typing, cfg.WebSocket, w, req, userID)
	}).Methods(http.MethodGet)

	// 13. CORS + 请求日志
	corsOptions := []gorillaHandlers.CORSOption{
		gorillaHandlers.AllowedOrigins(cfg.Server.CORS.AllowedOrigins),
		gorillaHandlers.AllowedMethods(cfg.Server.CORS.AllowedMethods),
		gorillaHandlers.AllowedHeaders(cfg.Server.CORS.AllowedHeaders),
		gorillaHandlers.MaxAge(cfg.Server.CORS.MaxAge),
	}
	if cfg.Server.CORS.AllowCredentials {
		corsOptions = append(corsOptions, gorillaHandlers.AllowCredentials())
	}
	rootHandler := gorillaHandlers.CORS(corsOptions...)(r)
	rootHandler = gorillaHandlers.LoggingHandler(os.Stdout, rootHandler)

	// 14. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:           serverAddr,
		Handler:        rootHandler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    time.Second * 60,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Printf("同步服务器启动于 %s, WebSocket 路径: %s", serverAddr, cfg.Server.WebSocketPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("同步服务器启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("收到关闭信号，正在关闭同步服务器...")

	cancelFeed() // 通知快照源停止
	feed.Close()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("同步服务器强制关闭: %v", err)
	}
	log.Println("同步服务器已成功关闭")
}
