package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hitotsume/internal/camera"
	"hitotsume/internal/config"
	"hitotsume/internal/storage"
	"hitotsume/internal/timelapse"
)

// Camera はハンドラが利用するカメラ操作
type Camera interface {
	Status() camera.Status
	NextFrame(ctx context.Context, lastSeen uint64) (camera.Frame, error)
	CaptureStill(ctx context.Context, req camera.CaptureRequest) (*camera.CaptureResult, error)
	StartRecording(ctx context.Context, sink camera.RecordingSink) (camera.Recording, error)
	StopRecording(ctx context.Context) (camera.Recording, error)
	StopStreaming(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Storage は写真一覧と録画ファイルの作成を行う
type Storage interface {
	ListPhotos() ([]storage.PhotoInfo, error)
	CreateRecording(name string) (*storage.FileSink, error)
}

// Display は直近の撮影結果の表示情報
type Display interface {
	Current() (camera.DisplayInfo, bool)
	Hide()
}

// Timelapse はタイムラプスの状態を返す
type Timelapse interface {
	Status() timelapse.StatusInfo
}

// Dependencies はハンドラの依存コンポーネント
type Dependencies struct {
	Camera    Camera
	Storage   Storage
	Display   Display
	Timelapse Timelapse // 無効なら nil
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureBody は静止画撮影リクエスト
type CaptureBody struct {
	Dir      string `json:"dir"`
	Filename string `json:"filename"`
}

// RecordingResponse は録画開始/停止の応答
type RecordingResponse struct {
	Recording camera.Recording `json:"recording"`
	Path      string           `json:"path,omitempty"`
}

const (
	wsWriteTimeout    = 5 * time.Second
	firstFrameTimeout = 10 * time.Second
)

// Handler はHTTPエンドポイントの実装
type Handler struct {
	config   *config.Config
	deps     Dependencies
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu sync.Mutex
	// 録画中のファイルパス
	recordingPath string
}

// NewHandler は新しいHandlerを作成する
func NewHandler(cfg *config.Config, deps Dependencies, log logrus.FieldLogger) *Handler {
	return &Handler{
		config: cfg,
		deps:   deps,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"camera":    h.deps.Camera.Status(),
		"timestamp": time.Now(),
	})
}

// VideoFeed はMJPEGストリーミングエンドポイントの実装
// 接続時にライブビューが止まっていれば開始する
func (h *Handler) VideoFeed(c *gin.Context) {
	ctx := c.Request.Context()

	// 録画は長時間デバイスを占有するので待たずに拒否する
	if state := h.deps.Camera.Status().State; state == camera.StateRecording {
		h.writeError(c, errors.Wrapf(camera.ErrBusy, "current state: %s", state))
		return
	}

	// 最初のフレームが得られるまではエラーを通常の応答で返す
	firstCtx, cancel := context.WithTimeout(ctx, firstFrameTimeout)
	frame, err := h.deps.Camera.NextFrame(firstCtx, 0)
	cancel()
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer
	for {
		if err := writeMJPEGPart(writer, frame.Data); err != nil {
			return
		}
		writer.Flush()

		frame, err = h.deps.Camera.NextFrame(ctx, frame.Version)
		if err != nil {
			if ctx.Err() == nil {
				h.log.WithError(err).Warn("ライブビューの配信を終了します")
			}
			return
		}
	}
}

func writeMJPEGPart(w gin.ResponseWriter, data []byte) error {
	if _, err := w.WriteString("--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// StreamWebSocket はWebSocketでフレームを配信する
func (h *Handler) StreamWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocketへのアップグレードに失敗しました")
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// クライアントからの切断を検知する
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.WithField("remote", c.Request.RemoteAddr).Info("WebSocket接続を確立しました")

	var last uint64
	for {
		frame, err := h.deps.Camera.NextFrame(ctx, last)
		if err != nil {
			if ctx.Err() == nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
					time.Now().Add(wsWriteTimeout))
			}
			return
		}
		last = frame.Version

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			return
		}
	}
}

// CapturePhoto は静止画を撮影する
func (h *Handler) CapturePhoto(c *gin.Context) {
	var body CaptureBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, newErrorResponse("invalid_request", err.Error()))
			return
		}
	}

	// 保存先は撮影前に検証する
	if err := storage.ValidatePhotoPath(body.Dir, body.Filename); err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.deps.Camera.CaptureStill(c.Request.Context(), camera.CaptureRequest{
		Dir:      body.Dir,
		Filename: body.Filename,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// ListPhotos は保存済みの写真一覧を返す
func (h *Handler) ListPhotos(c *gin.Context) {
	photos, err := h.deps.Storage.ListPhotos()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"photos": photos})
}

// StartRecording は録画を開始する
func (h *Handler) StartRecording(c *gin.Context) {
	// 使用中なら録画ファイルを作らずに拒否する
	switch state := h.deps.Camera.Status().State; state {
	case camera.StateCapturing, camera.StateRecording:
		h.writeError(c, errors.Wrapf(camera.ErrBusy, "current state: %s", state))
		return
	case camera.StateError:
		h.writeError(c, camera.ErrFaulted)
		return
	}

	sink, err := h.deps.Storage.CreateRecording("")
	if err != nil {
		h.writeError(c, err)
		return
	}

	rec, err := h.deps.Camera.StartRecording(c.Request.Context(), sink)
	if err != nil {
		if derr := sink.Discard(); derr != nil {
			h.log.WithError(derr).Warn("録画ファイルの削除に失敗しました")
		}
		h.writeError(c, err)
		return
	}
	h.mu.Lock()
	h.recordingPath = sink.Path()
	h.mu.Unlock()

	c.JSON(http.StatusCreated, RecordingResponse{Recording: rec, Path: sink.Path()})
}

// StopRecording は録画を停止する
func (h *Handler) StopRecording(c *gin.Context) {
	rec, err := h.deps.Camera.StopRecording(c.Request.Context())
	if errors.Is(err, camera.ErrNotRecording) {
		c.JSON(http.StatusNotFound, newErrorResponse("not_recording", "録画中ではありません"))
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.mu.Lock()
	path := h.recordingPath
	h.recordingPath = ""
	h.mu.Unlock()
	c.JSON(http.StatusOK, RecordingResponse{Recording: rec, Path: path})
}

// StopStream はライブビューを停止する
func (h *Handler) StopStream(c *gin.Context) {
	if err := h.deps.Camera.StopStreaming(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResetCamera はカメラシステムをリセットする
func (h *Handler) ResetCamera(c *gin.Context) {
	if err := h.deps.Camera.Reset(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.deps.Camera.Status())
}

// GetDisplay は直近の撮影結果の表示情報を返す
func (h *Handler) GetDisplay(c *gin.Context) {
	info, ok := h.deps.Display.Current()
	if !ok {
		c.JSON(http.StatusNotFound, newErrorResponse("no_photo", "まだ撮影されていません"))
		return
	}
	c.JSON(http.StatusOK, info)
}

// HideDisplay は表示情報を非表示にする
func (h *Handler) HideDisplay(c *gin.Context) {
	h.deps.Display.Hide()
	c.Status(http.StatusNoContent)
}

// GetTimelapse はタイムラプスの状態を返す
func (h *Handler) GetTimelapse(c *gin.Context) {
	if h.deps.Timelapse == nil {
		c.JSON(http.StatusNotFound, newErrorResponse("timelapse_disabled", "タイムラプスは無効です"))
		return
	}
	c.JSON(http.StatusOK, h.deps.Timelapse.Status())
}

// Index は簡易的なビューアページを返す
func (h *Handler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// writeError はエラー種別に応じたステータスコードで応答する
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("リクエストの処理に失敗しました")
	}
	c.JSON(status, newErrorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrBusy):
		return http.StatusConflict, "camera_busy"
	case errors.Is(err, camera.ErrFaulted):
		return http.StatusServiceUnavailable, "camera_faulted"
	case errors.Is(err, camera.ErrStopTimeout):
		return http.StatusGatewayTimeout, "stop_timeout"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, camera.ErrConfigurationRejected):
		return http.StatusBadRequest, "configuration_rejected"
	case errors.Is(err, storage.ErrInvalidPath):
		return http.StatusBadRequest, "invalid_path"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func newErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
}
