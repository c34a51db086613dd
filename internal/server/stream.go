package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"previewcam/internal/camera"
	"previewcam/internal/imaging"
)

// GetStream は最新フレームをMJPEGストリームとして配信する
//
// 新しいフレームが届いたときだけ送信する。キャプチャの停止、クライアントの切断、サーバーの停止のいずれかで終了する。
func (h *Handler) GetStream(c *gin.Context, params GetStreamParams) {
	if h.source.State() != camera.StateRunning {
		abortWithError(c, http.StatusServiceUnavailable, "capture_not_running", "キャプチャが開始されていません", nil)
		return
	}

	width := 0
	if params.Width != nil {
		width = *params.Width
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case <-h.done:
			return

		case <-ticker.C:
			if h.source.State() != camera.StateRunning {
				return
			}
			if h.source.Sequence() == lastSeq {
				continue
			}

			frame, ok := h.source.CopyPixels()
			if !ok {
				continue
			}
			lastSeq = frame.Sequence

			data, err := imaging.FrameToJPEG(frame, width, h.quality)
			if err != nil {
				h.logger.Warn("ストリーム用フレームの変換に失敗しました", "error", err)
				continue
			}

			// MJPEGフレームを書き込み
			if err := writeMJPEGPart(writer, data); err != nil {
				return
			}

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}

// writeMJPEGPart はmultipartの1パートを書き込む
func writeMJPEGPart(w gin.ResponseWriter, data []byte) error {
	header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
