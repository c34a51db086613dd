package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

// V4L2のfourcc
const (
	fourccYUYV webcam.PixelFormat = 0x56595559 // 'YUYV'
	fourccMJPG webcam.PixelFormat = 0x47504A4D // 'MJPG'
	fourccNV21 webcam.PixelFormat = 0x3132564E // 'NV21'
)

var fourccByFormat = map[PixelFormat]webcam.PixelFormat{
	PixelFormatYUYV:  fourccYUYV,
	PixelFormatMJPEG: fourccMJPG,
	PixelFormatNV21:  fourccNV21,
}

// inspectWebcam はデバイスを開いて対応フォーマットとカード名を調べる
func inspectWebcam(_ context.Context, device string) (nodeInfo, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nodeInfo{}, fmt.Errorf("%s のオープンに失敗: %w", device, err)
	}
	defer cam.Close()

	var info nodeInfo
	supported := cam.GetSupportedFormats()
	for _, code := range fourccByFormat {
		if _, ok := supported[code]; ok {
			info.capture = true
			break
		}
	}
	// 名前が取れなくても使える
	info.card, _ = cam.GetName()
	return info, nil
}

// V4L2Config はV4L2ドライバの設定
type V4L2Config struct {
	DevDir       string            // デバイスノードのディレクトリ
	Width        int               // 要求するプレビュー幅（実際の値はデバイスが決める）
	Height       int               // 要求するプレビュー高さ
	Formats      []PixelFormat     // 優先順のフォーマット
	BufferCount  int               // ドライバのバッファ数
	FrameTimeout time.Duration     // フレーム待ちのタイムアウト
	Facings      map[string]Facing // デバイスパスごとの向き
}

// V4L2Platform はgithub.com/blackjack/webcamを使ったPlatform実装
type V4L2Platform struct {
	cfg       V4L2Config
	discovery Discovery
	logger    *slog.Logger
}

// NewV4L2Platform は新しいV4L2Platformを作成する
func NewV4L2Platform(cfg V4L2Config, logger *slog.Logger) *V4L2Platform {
	if len(cfg.Formats) == 0 {
		cfg.Formats = []PixelFormat{PixelFormatYUYV, PixelFormatMJPEG}
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = time.Second
	}
	return &V4L2Platform{
		cfg:       cfg,
		discovery: NewLinuxDiscovery(cfg.DevDir),
		logger:    logger.With("driver", "v4l2"),
	}
}

// Enumerate はV4L2デバイスを列挙する
func (p *V4L2Platform) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return enumerateWithDiscovery(ctx, p.discovery, p.cfg.Facings)
}

// Open はV4L2デバイスを開いてフォーマットをネゴシエートする
func (p *V4L2Platform) Open(_ context.Context, id DeviceID) (Device, error) {
	cam, err := webcam.Open(string(id))
	if err != nil {
		return nil, fmt.Errorf("%s のオープンに失敗: %w", id, err)
	}

	code, err := chooseFourcc(cam.GetSupportedFormats(), p.cfg.Formats)
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	got, w, h, err := cam.SetImageFormat(code, uint32(p.cfg.Width), uint32(p.cfg.Height))
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%s のフォーマット設定に失敗: %w", id, err)
	}
	format, ok := formatByFourcc(got)
	if !ok {
		_ = cam.Close()
		return nil, fmt.Errorf("%s: 未対応のフォーマット 0x%08x", id, uint32(got))
	}

	if p.cfg.BufferCount > 0 {
		if err := cam.SetBufferCount(uint32(p.cfg.BufferCount)); err != nil {
			p.logger.Warn("バッファ数の設定に失敗しました", "device", id, "error", err)
		}
	}

	timeout := uint32(p.cfg.FrameTimeout / time.Second)
	if timeout == 0 {
		timeout = 1
	}

	return &v4l2Device{
		cam:     cam,
		id:      id,
		width:   int(w),
		height:  int(h),
		format:  format,
		timeout: timeout,
		logger:  p.logger.With("device", id),
	}, nil
}

// chooseFourcc は優先順にデバイスが対応しているフォーマットを選ぶ
func chooseFourcc(supported map[webcam.PixelFormat]string, prefs []PixelFormat) (webcam.PixelFormat, error) {
	for _, pref := range prefs {
		code, ok := fourccByFormat[pref]
		if !ok {
			continue
		}
		if _, ok := supported[code]; ok {
			return code, nil
		}
	}
	return 0, fmt.Errorf("対応するフォーマットがありません: %v", prefs)
}

func formatByFourcc(code webcam.PixelFormat) (PixelFormat, bool) {
	for f, c := range fourccByFormat {
		if c == code {
			return f, true
		}
	}
	return "", false
}

// v4l2Device はV4L2デバイスのハンドル
type v4l2Device struct {
	cam     *webcam.Webcam
	id      DeviceID
	width   int
	height  int
	format  PixelFormat
	timeout uint32
	logger  *slog.Logger

	mu      sync.Mutex
	texture PreviewTexture
	sink    FrameSink
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (d *v4l2Device) PreviewSize() (int, int) {
	return d.width, d.height
}

func (d *v4l2Device) PixelFormat() PixelFormat {
	return d.format
}

func (d *v4l2Device) SetPreviewTexture(tex PreviewTexture) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texture = tex
	return nil
}

func (d *v4l2Device) SetPreviewCallback(sink FrameSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *v4l2Device) StartPreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopCh != nil {
		return nil
	}
	if err := d.cam.StartStreaming(); err != nil {
		return fmt.Errorf("ストリーミングの開始に失敗: %w", err)
	}

	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.readFrames(d.stopCh)
	return nil
}

func (d *v4l2Device) StopPreview() error {
	d.mu.Lock()
	stopCh := d.stopCh
	d.stopCh = nil
	d.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	d.wg.Wait()

	if err := d.cam.StopStreaming(); err != nil {
		return fmt.Errorf("ストリーミングの停止に失敗: %w", err)
	}
	return nil
}

func (d *v4l2Device) Release() error {
	return d.cam.Close()
}

// readFrames はフレームを読み出して配信する
//
// ReadFrameが返すスライスはmmapされたドライバのバッファなので、コピーしてから渡す。
func (d *v4l2Device) readFrames(stopCh <-chan struct{}) {
	defer d.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		err := d.cam.WaitForFrame(d.timeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			d.logger.Error("フレーム待ちに失敗しました", "error", err)
			return
		}

		frame, err := d.cam.ReadFrame()
		if err != nil {
			d.logger.Error("フレームの読み出しに失敗しました", "error", err)
			return
		}
		if len(frame) == 0 {
			continue
		}

		data := make([]byte, len(frame))
		copy(data, frame)
		d.deliver(data)
	}
}

func (d *v4l2Device) deliver(data []byte) {
	d.mu.Lock()
	tex := d.texture
	sink := d.sink
	d.mu.Unlock()

	if tex != nil {
		if err := tex.UpdateTexImage(data, d.width, d.height, d.format); err != nil {
			d.logger.Debug("プレビュー描画先の更新に失敗しました", "error", err)
		}
	}
	if sink != nil {
		sink.OnPreviewFrame(data)
	}
}
