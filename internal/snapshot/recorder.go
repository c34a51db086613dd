// Package snapshot は最新フレームを定期的にJPEGとして保存する
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"previewcam/internal/camera"
	"previewcam/internal/imaging"
)

const (
	filePrefix = "snap-"
	fileExt    = ".jpg"
	timeLayout = "20060102T150405.000000000"
)

// ErrAlreadyRunning は記録が既に開始されている場合のエラー
var ErrAlreadyRunning = errors.New("スナップショット記録は既に開始されています")

// FrameProvider は最新フレームのコピーを返す
type FrameProvider interface {
	CopyPixels() (camera.Frame, bool)
}

// Recorder は最新フレームを一定間隔で保存する
type Recorder struct {
	source FrameProvider
	config Config
	logger *slog.Logger

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	status Status
}

// NewRecorder は新しいRecorderを作成する
func NewRecorder(source FrameProvider, config Config, logger *slog.Logger) *Recorder {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.OutputDir == "" {
		config.OutputDir = defaults.OutputDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		source: source,
		config: config,
		logger: logger.With("component", "snapshot"),
	}
}

// Start は記録を開始する
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopCh != nil {
		return ErrAlreadyRunning
	}

	// 出力ディレクトリを作成
	if err := os.MkdirAll(r.config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	r.stopCh = make(chan struct{})
	r.status.Running = true
	r.wg.Add(1)
	go r.captureLoop(ctx, r.stopCh)

	r.logger.Info("スナップショット記録を開始しました", "dir", r.config.OutputDir, "interval", r.config.Interval)
	return nil
}

// Stop は記録を停止する。開始されていない場合は何もしない
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	stopCh := r.stopCh
	r.stopCh = nil
	r.status.Running = false
	r.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)

	// ワーカーゴルーチンの終了を短いタイムアウトで待機
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		r.logger.Warn("ワーカーゴルーチンの停止がタイムアウトしました")
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("スナップショット記録を停止しました")
	return nil
}

// captureLoop はフレームを定期的に保存する
func (r *Recorder) captureLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, _, err := r.CaptureOnce(ctx); err != nil {
				r.logger.Error("スナップショットの保存に失敗しました", "error", err)
			}
		}
	}
}

// CaptureOnce は最新フレームを1枚保存する
//
// 前回保存したフレームから更新がない場合は保存せずにfalseを返す。
func (r *Recorder) CaptureOnce(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	frame, ok := r.source.CopyPixels()

	r.mu.Lock()
	if !ok || frame.Sequence == r.status.LastSequence {
		r.status.Skipped++
		r.mu.Unlock()
		return Snapshot{}, false, nil
	}
	r.mu.Unlock()

	data, err := imaging.FrameToJPEG(frame, r.config.MaxWidth, r.config.Quality)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("フレームの変換に失敗: %w", err)
	}

	if err := os.MkdirAll(r.config.OutputDir, 0o755); err != nil {
		return Snapshot{}, false, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	at := frame.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	path := filepath.Join(r.config.OutputDir, snapshotFilename(at, frame.Sequence))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Snapshot{}, false, fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}

	r.mu.Lock()
	r.status.LastSequence = frame.Sequence
	r.status.LastFile = path
	r.status.LastCapture = at
	r.status.Saved++
	r.mu.Unlock()

	if err := r.prune(); err != nil {
		r.logger.Warn("古いスナップショットの削除に失敗しました", "error", err)
	}

	r.logger.Debug("スナップショットを保存しました", "file", path, "sequence", frame.Sequence, "bytes", len(data))
	return Snapshot{FilePath: path, FileSize: int64(len(data)), Date: at}, true, nil
}

// List は保存済みのスナップショットを古い順に返す
func (r *Recorder) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(r.config.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // ディレクトリが存在しない場合は空のリストを返す
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isSnapshotFile(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("ファイル情報の取得に失敗しました", "file", name, "error", err)
			continue
		}
		snapshots = append(snapshots, Snapshot{
			FilePath: filepath.Join(r.config.OutputDir, name),
			FileSize: info.Size(),
			Date:     info.ModTime(),
		})
	}

	// ファイル名は時刻順に並ぶ
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].FilePath < snapshots[j].FilePath
	})
	return snapshots, nil
}

// Status は現在の状態を返す
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// prune はMaxFilesを超えた古いファイルを削除する
func (r *Recorder) prune() error {
	if r.config.MaxFiles <= 0 {
		return nil
	}

	snapshots, err := r.List()
	if err != nil {
		return err
	}

	excess := len(snapshots) - r.config.MaxFiles
	for i := 0; i < excess; i++ {
		if err := os.Remove(snapshots[i].FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%s の削除に失敗: %w", snapshots[i].FilePath, err)
		}
	}
	return nil
}

func snapshotFilename(t time.Time, sequence uint64) string {
	return fmt.Sprintf("%s%s-%d%s", filePrefix, t.UTC().Format(timeLayout), sequence, fileExt)
}

func isSnapshotFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt)
}
