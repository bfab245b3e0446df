package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hitotsume/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	handler    *Handler
	httpServer *http.Server
	log        logrus.FieldLogger

	// OnReady はリッスン開始後に呼ばれる
	OnReady func(addr net.Addr)
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Dependencies, log logrus.FieldLogger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		config:  cfg,
		engine:  engine,
		handler: NewHandler(cfg, deps, log),
		log:     log,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	s.engine.GET("/", h.Index)
	s.engine.GET("/health", h.HealthCheck)
	s.engine.GET("/video_feed", h.VideoFeed)
	s.engine.GET("/ws/stream", h.StreamWebSocket)

	api := s.engine.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/photos", h.ListPhotos)
		api.POST("/photos", h.CapturePhoto)
		api.POST("/recordings", h.StartRecording)
		api.DELETE("/recordings/current", h.StopRecording)
		api.POST("/stream/stop", h.StopStream)
		api.POST("/reset", h.ResetCamera)
		api.GET("/display", h.GetDisplay)
		api.POST("/display/hide", h.HideDisplay)
		api.GET("/timelapse", h.GetTimelapse)
	}
}

// Handler はテスト用にルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動する
// ctx のキャンセルかシグナル受信でグレースフルシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "リッスンに失敗: %s", s.httpServer.Addr)
	}

	shutdownCh := make(chan error, 1)

	go func() {
		s.log.WithField("addr", listener.Addr().String()).Info("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- errors.Wrap(err, "サーバーの起動に失敗")
		}
	}()

	if s.OnReady != nil {
		s.OnReady(listener.Addr())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.WithField("signal", sig.String()).Info("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		// ストリーミング中の接続は待たずに切断する
		if errors.Is(err, context.DeadlineExceeded) {
			_ = s.httpServer.Close()
			s.log.Warn("接続が残っていたため強制的に切断しました")
			return nil
		}
		return errors.Wrap(err, "サーバーのシャットダウンに失敗")
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストごとにアクセスログを出力する
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	}
}
