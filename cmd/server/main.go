// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"key-escrow-service/config"
	"key-escrow-service/internal/crypto"
	"key-escrow-service/internal/handler"
	"key-escrow-service/internal/infra"
	"key-escrow-service/internal/repository"
	"key-escrow-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// ログレベル設定
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// ストレージラッパー初期化。KMS_KEY_NAMEが設定されていればCloud KMS、
	// そうでなければSTORAGE_MASTER_KEYによるローカルラップを使う。
	var storage usecase.StorageWrapper
	if cfg.KMSKeyName != "" {
		kmsWrapper, err := infra.NewKMSStorageWrapper(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS storage wrapper", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsWrapper.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		storage = kmsWrapper
	} else {
		if cfg.StorageMasterKey == "" {
			slog.Error("neither KMS_KEY_NAME nor STORAGE_MASTER_KEY is set")
			os.Exit(1)
		}
		masterKey, err := hex.DecodeString(cfg.StorageMasterKey)
		if err != nil {
			slog.Error("STORAGE_MASTER_KEY is not valid hex", "error", err)
			os.Exit(1)
		}
		localWrapper, err := crypto.NewLocalStorageWrapper(masterKey)
		if err != nil {
			slog.Error("failed to init local storage wrapper", "error", err)
			os.Exit(1)
		}
		storage = localWrapper
	}

	// トランスポート鍵ペア初期化
	transportKey, err := crypto.LoadOrGenerateTransportKey(cfg.TransportKeyFile)
	if err != nil {
		slog.Error("failed to load transport key", "error", err)
		os.Exit(1)
	}
	provider, err := crypto.NewProvider(transportKey)
	if err != nil {
		slog.Error("failed to init crypto provider", "error", err)
		os.Exit(1)
	}

	// DI
	recordRepo := repository.NewKeyRecordRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	policy := infra.NewThresholdPolicy(cfg.RequiredApprovals)
	requestService := usecase.NewRequestService(requestRepo, policy)
	escrowService := usecase.NewEscrowService(recordRepo, requestService, provider, storage)
	eh := handler.NewEscrowHandler(escrowService)
	rh := handler.NewRequestHandler(requestService)
	router := handler.NewRouter(eh, rh, cfg.OtelEnabled)

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		// 新規のエスクロー操作を止めてからHTTPサーバーを落とす
		escrowService.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
