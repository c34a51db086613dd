// Package metrics はフレーム配信とデバイス操作のPrometheusメトリクスを提供する
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"previewcam/internal/camera"
)

const namespace = "previewcam"

// Collector はcamera.FrameObserverのPrometheus実装
type Collector struct {
	registry *prometheus.Registry

	framesDelivered prometheus.Counter
	framesDropped   prometheus.Counter
	frameBytes      prometheus.Gauge
	deviceOpens     *prometheus.CounterVec
	deviceErrors    *prometheus.CounterVec
	captureRunning  prometheus.Gauge
}

var _ camera.FrameObserver = (*Collector)(nil)

// New は専用のレジストリを持つCollectorを作成する
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		framesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Number of preview frames received from the active device",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Number of preview frames overwritten before any consumer read them",
		}),
		frameBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_bytes",
			Help:      "Size in bytes of the most recent preview frame",
		}),
		deviceOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_opens_total",
			Help:      "Number of successful device starts by facing",
		}, []string{"facing"}),
		deviceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Number of platform failures by operation",
		}, []string{"op"}),
		captureRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_running",
			Help:      "1 while a device is capturing, 0 otherwise",
		}),
	}
}

// FrameDelivered はフレームの受信を記録する
func (c *Collector) FrameDelivered(size int) {
	c.framesDelivered.Inc()
	c.frameBytes.Set(float64(size))
}

// FrameDropped はフレームの破棄を記録する
func (c *Collector) FrameDropped() {
	c.framesDropped.Inc()
}

// DeviceOpened はデバイスの開始を記録する
func (c *Collector) DeviceOpened(facing camera.Facing) {
	c.deviceOpens.WithLabelValues(string(facing)).Inc()
}

// DeviceError はプラットフォーム操作の失敗を記録する
func (c *Collector) DeviceError(op string) {
	c.deviceErrors.WithLabelValues(op).Inc()
}

// CaptureRunning はキャプチャ状態を記録する
func (c *Collector) CaptureRunning(running bool) {
	if running {
		c.captureRunning.Set(1)
		return
	}
	c.captureRunning.Set(0)
}

// Registry はメトリクスを登録しているレジストリを返す
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler はメトリクスを公開するHTTPハンドラーを返す
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
