package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"previewcam/internal/camera"
	"previewcam/internal/imaging"
	"previewcam/internal/snapshot"
)

// Handler はServerInterfaceを実装する
//
// FrameSourceの制御系の操作は並行に呼び出せないため、ctrlMuで直列化する。
type Handler struct {
	source         *camera.FrameSource
	platform       camera.Platform
	recorder       *snapshot.Recorder
	metrics        http.Handler
	quality        int
	streamInterval time.Duration
	logger         *slog.Logger

	ctrlMu sync.Mutex

	// サーバー停止時に閉じる。ストリームはこれを見て終了する
	done      chan struct{}
	closeOnce sync.Once
}

// close は配信中のストリームに終了を通知する
func (h *Handler) close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// stopCapture は制御ロックを取得してキャプチャを停止する
func (h *Handler) stopCapture(ctx context.Context) {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	h.source.StopCapture(ctx)
}

var _ ServerInterface = (*Handler)(nil)

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetPresence はカメラの有無を返す
func (h *Handler) GetPresence(c *gin.Context) {
	hasBack, hasFront := camera.CheckCameraPresence(c.Request.Context(), h.platform, h.logger)
	c.JSON(http.StatusOK, PresenceResponse{
		HasBack:  hasBack,
		HasFront: hasFront,
	})
}

// Initialize はカメラを列挙し直す
func (h *Handler) Initialize(c *gin.Context) {
	if err := h.initialize(c.Request.Context()); err != nil {
		abortWithError(c, http.StatusInternalServerError, "initialize_failed", "カメラの初期化に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, h.source.Status())
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.Status())
}

// StartCapture はキャプチャを開始する
//
// 失敗してもエラーにはならない。状態のwidth/heightが0であることで判断する。
func (h *Handler) StartCapture(c *gin.Context) {
	h.ctrlMu.Lock()
	h.source.StartCapture(c.Request.Context())
	h.ctrlMu.Unlock()

	c.JSON(http.StatusOK, h.source.Status())
}

// StopCapture はキャプチャを停止する
func (h *Handler) StopCapture(c *gin.Context) {
	h.stopCapture(c.Request.Context())

	c.JSON(http.StatusOK, h.source.Status())
}

// SwitchCamera は指定された向きのカメラに切り替える
func (h *Handler) SwitchCamera(c *gin.Context, params SwitchCameraParams) {
	h.ctrlMu.Lock()
	h.source.SwitchTo(c.Request.Context(), params.Facing)
	h.ctrlMu.Unlock()

	c.JSON(http.StatusOK, h.source.Status())
}

// GetFrame は最新のフレームを返す。フレームが未着の場合は204
func (h *Handler) GetFrame(c *gin.Context, params GetFrameParams) {
	encoding := EncodingJPEG
	if params.Encoding != nil {
		encoding = *params.Encoding
	}
	width := 0
	if params.Width != nil {
		width = *params.Width
	}

	switch encoding {
	case EncodingRaw:
		if width > 0 {
			abortWithError(c, http.StatusBadRequest, "invalid_parameter", "raw形式では縮小できません", nil)
			return
		}
		h.writeRawFrame(c)
	case EncodingJPEG:
		h.writeJPEGFrame(c, width)
	default:
		abortWithError(c, http.StatusBadRequest, "invalid_parameter", "パラメータencodingが不正です", nil)
	}
}

// writeRawFrame はロック中にフレームをコピーしてからそのまま返す
func (h *Handler) writeRawFrame(c *gin.Context) {
	var frame camera.Frame
	ok := h.source.WithPixels(func(f camera.Frame) {
		frame = f
		frame.Data = append([]byte(nil), f.Data...)
	})
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	setFrameHeaders(c, frame)
	c.Data(http.StatusOK, "application/octet-stream", frame.Data)
}

func (h *Handler) writeJPEGFrame(c *gin.Context, width int) {
	frame, ok := h.source.CopyPixels()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	data, err := imaging.FrameToJPEG(frame, width, h.quality)
	if err != nil {
		h.logger.Error("フレームの変換に失敗しました", "error", err, "format", frame.Format)
		abortWithError(c, http.StatusInternalServerError, "encode_failed", "フレームの変換に失敗しました", err)
		return
	}

	setFrameHeaders(c, frame)
	c.Data(http.StatusOK, "image/jpeg", data)
}

func setFrameHeaders(c *gin.Context, frame camera.Frame) {
	c.Header("X-Frame-Width", strconv.Itoa(frame.Width))
	c.Header("X-Frame-Height", strconv.Itoa(frame.Height))
	c.Header("X-Frame-Format", string(frame.Format))
	c.Header("X-Frame-Sequence", strconv.FormatUint(frame.Sequence, 10))
	c.Header("Cache-Control", "no-cache")
}

// GetSnapshots は保存済みのスナップショットを返す
func (h *Handler) GetSnapshots(c *gin.Context) {
	snapshots, err := h.recorder.List()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "snapshot_list_failed", "スナップショットの取得に失敗しました", err)
		return
	}
	if snapshots == nil {
		snapshots = []snapshot.Snapshot{}
	}
	c.JSON(http.StatusOK, SnapshotsResponse{Snapshots: snapshots})
}

// CaptureSnapshot は最新のフレームを保存する。新しいフレームがない場合は204
func (h *Handler) CaptureSnapshot(c *gin.Context) {
	snap, saved, err := h.recorder.CaptureOnce(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "snapshot_failed", "スナップショットの保存に失敗しました", err)
		return
	}
	if !saved {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// GetOpenAPI はAPI定義を返す
func (h *Handler) GetOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", OpenAPIDocument())
}

// GetMetrics はPrometheusメトリクスを返す
func (h *Handler) GetMetrics(c *gin.Context) {
	h.metrics.ServeHTTP(c.Writer, c.Request)
}

// initialize は制御ロックを取得してInitializeを実行する
func (h *Handler) initialize(ctx context.Context) error {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	return h.source.Initialize(ctx)
}

// reinitialize はデバイスの増減時に呼ばれる
func (h *Handler) reinitialize(ctx context.Context) {
	h.logger.Info("デバイス構成の変化を検出したため再初期化します")
	if err := h.initialize(ctx); err != nil {
		h.logger.Error("再初期化に失敗しました", "error", err)
	}
}
