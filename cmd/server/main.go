package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/armada-battleship/internal"
	"github.com/koopa0/armada-battleship/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑（不存在時使用預設值）")
		logLevel   = flag.String("log-level", "", "日誌級別，覆蓋配置檔 (debug, info, warn, error)")
	)
	flag.Parse()

	// 載入配置
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 設定日誌
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "stdout")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	limiter, closeLimiter := setupLimiter(cfg, log)
	defer closeLimiter()

	publisher := setupPublisher(cfg, log)
	defer publisher.Close()

	// 組裝核心元件
	gw := internal.NewGateway(log, cfg.Server.AllowedOrigins)
	lobby := internal.NewLobby(cfg.LobbyConfig(), gw, limiter, publisher, log)
	lobby.Attach(gw)
	handler := internal.NewHandler(lobby, gw, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("海戰伺服器啟動",
			"port", cfg.Server.Port,
			"grid_size", cfg.Game.GridSize,
			"fleet", cfg.Game.Fleet,
			"turn_timeout", cfg.Game.TurnTimeout)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 停止接受新連接（WebSocket 已被 hijack，不受影響）
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("服務器關閉失敗", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("強制關閉失敗", "error", closeErr)
			}
		}

		// 先結束所有對局，再關閉連線
		lobby.Stop()
		gw.Stop()
	}

	log.Info("服務器已關閉")
}

// setupLimiter 挑戰限流器：有 Redis 時跨實例共享，否則單機
func setupLimiter(cfg *internal.Config, log *slog.Logger) (internal.Limiter, func()) {
	noop := func() {}
	if cfg.Limits.ChallengeBurst == 0 {
		log.Info("挑戰限流已停用")
		return nil, noop
	}

	local := internal.NewLocalLimiter(cfg.Limits.ChallengeBurst, cfg.Limits.ChallengePerSecond)
	if cfg.Redis.Addr == "" {
		return local, noop
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("無法連接 Redis，改用單機限流", "addr", cfg.Redis.Addr, "error", err)
		_ = client.Close()
		return local, noop
	}

	log.Info("使用 Redis 限流", "addr", cfg.Redis.Addr)
	limiter := internal.NewRedisLimiter(client, cfg.Redis.Prefix, cfg.Limits.ChallengeBurst, cfg.Limits.ChallengePerSecond, log)
	return limiter, func() {
		if err := client.Close(); err != nil {
			log.Error("關閉 Redis 失敗", "error", err)
		}
	}
}

// setupPublisher 對局事件：有 NATS 時發布，否則丟棄
func setupPublisher(cfg *internal.Config, log *slog.Logger) internal.Publisher {
	if cfg.NATS.URL == "" {
		return internal.NopPublisher{}
	}

	pub, err := internal.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
	if err != nil {
		log.Warn("無法連接 NATS，不發布對局事件", "url", cfg.NATS.URL, "error", err)
		return internal.NopPublisher{}
	}

	log.Info("對局事件發布至 NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	return pub
}
