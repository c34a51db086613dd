package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"previewcam/internal/camera"
	"previewcam/internal/config"
	"previewcam/internal/metrics"
	"previewcam/internal/snapshot"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	httpServer *http.Server
	router     *gin.Engine
	handler    *Handler
	source     *camera.FrameSource
	recorder   *snapshot.Recorder
	logger     *slog.Logger

	// ホットプラグ監視の停止用
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, platform camera.Platform, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	collector := metrics.New()
	source := camera.NewFrameSource(platform,
		camera.WithLogger(logger),
		camera.WithObserver(collector),
	)
	recorder := snapshot.NewRecorder(source, cfg.SnapshotRecorderConfig(), logger)

	doc, err := loadOpenAPI()
	if err != nil {
		return nil, err
	}
	validator, err := requestValidator(doc)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		source:         source,
		platform:       platform,
		recorder:       recorder,
		metrics:        collector.Handler(),
		quality:        cfg.Camera.JPEGQuality,
		streamInterval: streamInterval(cfg.Camera.FPS),
		logger:         logger,
		done:           make(chan struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(validator)
	RegisterHandlers(router, h)

	return &Server{
		config:   cfg,
		router:   router,
		handler:  h,
		source:   source,
		recorder: recorder,
		logger:   logger,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout.Std(),
			WriteTimeout: cfg.Server.WriteTimeout.Std(),
		},
	}, nil
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// Source はセッションを返す
func (s *Server) Source() *camera.FrameSource {
	return s.source
}

// Start はサーバーを起動する
//
// ctxがキャンセルされるかシグナルを受信するとシャットダウンして戻る。
func (s *Server) Start(ctx context.Context) error {
	if err := s.handler.initialize(ctx); err != nil {
		// カメラがなくてもAPIは提供する
		s.logger.Warn("カメラの初期化に失敗しました", "error", err)
	}
	if s.config.Camera.AutoStart {
		s.handler.ctrlMu.Lock()
		s.source.StartCapture(ctx)
		s.handler.ctrlMu.Unlock()
	}

	if s.config.Snapshot.Enabled {
		if err := s.recorder.Start(ctx); err != nil {
			s.handler.stopCapture(ctx)
			return fmt.Errorf("スナップショット記録の開始に失敗: %w", err)
		}
	}

	if s.config.Server.Hotplug && s.config.Camera.Driver != camera.DriverMock {
		s.startHotplug(ctx)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := s.stopCamera(ctx); stopErr != nil {
			return errors.Join(err, stopErr)
		}
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ストリームはクライアントが切断するまで戻らないため、先にカメラ側を止める
	var errs []error
	if err := s.stopCamera(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// stopCamera はホットプラグ監視、ストリーム、スナップショット記録、キャプチャを停止する
func (s *Server) stopCamera(ctx context.Context) error {
	s.stopBackground()
	s.handler.close()

	var err error
	if stopErr := s.recorder.Stop(ctx); stopErr != nil {
		err = fmt.Errorf("スナップショット記録の停止に失敗: %w", stopErr)
	}
	s.handler.stopCapture(ctx)
	return err
}

// startHotplug はデバイスノードの監視を開始する
func (s *Server) startHotplug(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	watcher := camera.NewHotplugWatcher(s.config.Camera.DevDir, s.handler.reinitialize, s.logger)
	s.watchWg.Add(1)
	go func() {
		defer s.watchWg.Done()
		if err := watcher.Run(wctx); err != nil {
			s.logger.Warn("デバイスの監視を開始できませんでした", "error", err)
		}
	}()
}

func (s *Server) stopBackground() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	s.watchWg.Wait()
}

// streamInterval はストリームがスロットを確認する間隔を返す
func streamInterval(fps int) time.Duration {
	if fps <= 0 {
		return 50 * time.Millisecond
	}
	// フレームを取りこぼさないようにフレーム間隔の半分で確認する
	interval := time.Second / time.Duration(fps*2)
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	return interval
}

// requestLogger はリクエストをslogで出力するミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "リクエストを処理しました",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
