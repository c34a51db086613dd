package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"previewcam/internal/camera"
	"previewcam/internal/snapshot"
)

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceResponse はカメラの有無のレスポンス
type PresenceResponse struct {
	HasBack  bool `json:"has_back"`
	HasFront bool `json:"has_front"`
}

// StatusResponse はセッション状態のレスポンス
type StatusResponse = camera.Status

// SnapshotsResponse は保存済みスナップショットの一覧
type SnapshotsResponse struct {
	Snapshots []snapshot.Snapshot `json:"snapshots"`
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FrameEncoding はフレームの返却形式
type FrameEncoding string

// FrameEncoding の定数定義
const (
	EncodingRaw  FrameEncoding = "raw"
	EncodingJPEG FrameEncoding = "jpeg"
)

// SwitchCameraParams は切り替えのパラメータ
type SwitchCameraParams struct {
	Facing camera.Facing `form:"facing" json:"facing"`
}

// GetFrameParams はフレーム取得のパラメータ
type GetFrameParams struct {
	Encoding *FrameEncoding `form:"encoding,omitempty" json:"encoding,omitempty"`
	Width    *int           `form:"width,omitempty" json:"width,omitempty"`
}

// GetStreamParams はストリーム取得のパラメータ
type GetStreamParams struct {
	Width *int `form:"width,omitempty" json:"width,omitempty"`
}

// ServerInterface はAPIの各操作を表す
type ServerInterface interface {
	// (GET /health)
	HealthCheck(c *gin.Context)
	// (GET /api/presence)
	GetPresence(c *gin.Context)
	// (POST /api/initialize)
	Initialize(c *gin.Context)
	// (GET /api/status)
	GetStatus(c *gin.Context)
	// (POST /api/capture/start)
	StartCapture(c *gin.Context)
	// (POST /api/capture/stop)
	StopCapture(c *gin.Context)
	// (POST /api/capture/switch)
	SwitchCamera(c *gin.Context, params SwitchCameraParams)
	// (GET /api/frame)
	GetFrame(c *gin.Context, params GetFrameParams)
	// (GET /api/stream)
	GetStream(c *gin.Context, params GetStreamParams)
	// (GET /api/snapshots)
	GetSnapshots(c *gin.Context)
	// (POST /api/snapshots)
	CaptureSnapshot(c *gin.Context)
	// (GET /api/openapi.yaml)
	GetOpenAPI(c *gin.Context)
	// (GET /metrics)
	GetMetrics(c *gin.Context)
}

// serverInterfaceWrapper はクエリパラメータをバインドしてからServerInterfaceを呼び出す
type serverInterfaceWrapper struct {
	handler ServerInterface
}

func (w *serverInterfaceWrapper) SwitchCamera(c *gin.Context) {
	var params SwitchCameraParams

	if err := runtime.BindQueryParameter("form", true, true, "facing", c.Request.URL.Query(), &params.Facing); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_parameter", "パラメータfacingが不正です", err)
		return
	}
	if _, err := camera.ParseFacing(string(params.Facing)); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_parameter", "パラメータfacingが不正です", err)
		return
	}

	w.handler.SwitchCamera(c, params)
}

func (w *serverInterfaceWrapper) GetFrame(c *gin.Context) {
	var params GetFrameParams

	if err := runtime.BindQueryParameter("form", true, false, "encoding", c.Request.URL.Query(), &params.Encoding); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_parameter", "パラメータencodingが不正です", err)
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "width", c.Request.URL.Query(), &params.Width); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_parameter", "パラメータwidthが不正です", err)
		return
	}

	w.handler.GetFrame(c, params)
}

func (w *serverInterfaceWrapper) GetStream(c *gin.Context) {
	var params GetStreamParams

	if err := runtime.BindQueryParameter("form", true, false, "width", c.Request.URL.Query(), &params.Width); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_parameter", "パラメータwidthが不正です", err)
		return
	}

	w.handler.GetStream(c, params)
}

// RegisterHandlers はルートを登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	wrapper := &serverInterfaceWrapper{handler: si}

	router.GET("/health", si.HealthCheck)
	router.GET("/api/presence", si.GetPresence)
	router.POST("/api/initialize", si.Initialize)
	router.GET("/api/status", si.GetStatus)
	router.POST("/api/capture/start", si.StartCapture)
	router.POST("/api/capture/stop", si.StopCapture)
	router.POST("/api/capture/switch", wrapper.SwitchCamera)
	router.GET("/api/frame", wrapper.GetFrame)
	router.GET("/api/stream", wrapper.GetStream)
	router.GET("/api/snapshots", si.GetSnapshots)
	router.POST("/api/snapshots", si.CaptureSnapshot)
	router.GET("/api/openapi.yaml", si.GetOpenAPI)
	router.GET("/metrics", si.GetMetrics)
}

// abortWithError はエラーレスポンスを返して処理を中断する
func abortWithError(c *gin.Context, status int, code, message string, err error) {
	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		details := err.Error()
		resp.Details = &details
	}
	c.AbortWithStatusJSON(status, resp)
}
