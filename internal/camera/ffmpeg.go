package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FFmpegConfig はffmpegドライバの設定
type FFmpegConfig struct {
	Binary      string            // ffmpegの実行ファイル
	InputFormat string            // ffmpegの入力フォーマット（例: v4l2）
	DevDir      string            // デバイスノードのディレクトリ
	Width       int               // プレビュー幅
	Height      int               // プレビュー高さ
	FPS         int               // フレームレート
	Quality     int               // MJPEGの品質（2-31、小さいほど高品質）
	Facings     map[string]Facing // デバイスパスごとの向き
}

// FFmpegPlatform はffmpegのimage2pipe出力を使ったPlatform実装
//
// フレームはMJPEGとして配信される。
type FFmpegPlatform struct {
	cfg       FFmpegConfig
	discovery Discovery
	logger    *slog.Logger
}

// NewFFmpegPlatform は新しいFFmpegPlatformを作成する
func NewFFmpegPlatform(cfg FFmpegConfig, logger *slog.Logger) *FFmpegPlatform {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "v4l2"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 3
	}
	return &FFmpegPlatform{
		cfg:       cfg,
		discovery: NewLinuxDiscovery(cfg.DevDir),
		logger:    logger.With("driver", "ffmpeg"),
	}
}

// Enumerate はデバイスを列挙する
func (p *FFmpegPlatform) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return enumerateWithDiscovery(ctx, p.discovery, p.cfg.Facings)
}

// Open はffmpegでデバイスを読むためのハンドルを作成する
//
// ffmpegのプロセスはStartPreviewで起動する。
func (p *FFmpegPlatform) Open(_ context.Context, id DeviceID) (Device, error) {
	if p.cfg.Width <= 0 || p.cfg.Height <= 0 {
		return nil, fmt.Errorf("%s: ffmpegドライバには解像度の指定が必要です (%dx%d)", id, p.cfg.Width, p.cfg.Height)
	}
	if _, err := exec.LookPath(p.cfg.Binary); err != nil {
		return nil, fmt.Errorf("ffmpegが見つかりません: %w", err)
	}
	return &ffmpegDevice{
		cfg:    p.cfg,
		id:     id,
		logger: p.logger.With("device", id),
	}, nil
}

// ffmpegDevice はffmpegプロセスで読み出すデバイス
type ffmpegDevice struct {
	cfg    FFmpegConfig
	id     DeviceID
	logger *slog.Logger

	mu      sync.Mutex
	texture PreviewTexture
	sink    FrameSink
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (d *ffmpegDevice) PreviewSize() (int, int) {
	return d.cfg.Width, d.cfg.Height
}

func (d *ffmpegDevice) PixelFormat() PixelFormat {
	return PixelFormatMJPEG
}

func (d *ffmpegDevice) SetPreviewTexture(tex PreviewTexture) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texture = tex
	return nil
}

func (d *ffmpegDevice) SetPreviewCallback(sink FrameSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// args はffmpegの引数を組み立てる
func (d *ffmpegDevice) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", d.cfg.InputFormat}
	if d.cfg.Width > 0 && d.cfg.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", d.cfg.Width, d.cfg.Height))
	}
	args = append(args,
		"-r", strconv.Itoa(d.cfg.FPS),
		"-i", string(d.id),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(d.cfg.Quality),
		"-",
	)
	return args
}

func (d *ffmpegDevice) StartPreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, d.cfg.Binary, d.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := splitJPEGStream(stdout, d.deliver); err != nil && ctx.Err() == nil {
			d.logger.Error("フレーム読み取りエラー", "error", err)
		}
		// エラーはコンテキストキャンセル時にも発生するため、キャンセル前のみログに出す
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			d.logger.Error("ffmpegが終了しました", "error", err, "stderr", stderr.String())
		}
	}()
	return nil
}

func (d *ffmpegDevice) StopPreview() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	d.wg.Wait()
	return nil
}

func (d *ffmpegDevice) Release() error {
	return d.StopPreview()
}

func (d *ffmpegDevice) deliver(frame []byte) {
	d.mu.Lock()
	tex := d.texture
	sink := d.sink
	d.mu.Unlock()

	if tex != nil {
		if err := tex.UpdateTexImage(frame, d.cfg.Width, d.cfg.Height, PixelFormatMJPEG); err != nil {
			d.logger.Debug("プレビュー描画先の更新に失敗しました", "error", err)
		}
	}
	if sink != nil {
		sink.OnPreviewFrame(frame)
	}
}

// splitJPEGStream はJPEGが連結されたストリームをSOI/EOIマーカーで分割してemitに渡す
//
// emitに渡すスライスは毎回新しく確保したもの。ストリームがEOFで終わった場合はnilを返す。
func splitJPEGStream(r io.Reader, emit func([]byte)) error {
	buf := make([]byte, 64*1024)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = extractJPEGFrames(pending, emit)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// extractJPEGFrames はdataから完全なJPEGフレームを取り出し、残りを返す
func extractJPEGFrames(data []byte, emit func([]byte)) []byte {
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// SOIの先頭バイトだけが末尾にある場合に備えて1バイト残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return append(data[:0], 0xFF)
			}
			return data[:0]
		}

		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			if start > 0 {
				data = append(data[:0], data[start:]...)
			}
			return data
		}

		end += start + 2 + len(jpegEOI)
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		emit(frame)

		data = data[end:]
	}
}
