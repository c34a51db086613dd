package camera

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HotplugWatcher はデバイスノードの追加・削除を監視する
type HotplugWatcher struct {
	dir      string
	debounce time.Duration
	onChange func(ctx context.Context)
	logger   *slog.Logger
}

// HotplugOption はHotplugWatcherの設定を変更する
type HotplugOption func(*HotplugWatcher)

// WithDebounce は変更通知をまとめる時間を設定する。デフォルトは500ms
func WithDebounce(d time.Duration) HotplugOption {
	return func(w *HotplugWatcher) {
		w.debounce = d
	}
}

// NewHotplugWatcher は新しいHotplugWatcherを作成する
//
// dirの直下でvideoNN形式のノードが増減するとonChangeを呼ぶ。
func NewHotplugWatcher(dir string, onChange func(ctx context.Context), logger *slog.Logger, opts ...HotplugOption) *HotplugWatcher {
	if dir == "" {
		dir = "/dev"
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &HotplugWatcher{
		dir:      dir,
		debounce: 500 * time.Millisecond,
		onChange: onChange,
		logger:   logger.With("component", "hotplug"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run はctxがキャンセルされるまで監視する
func (w *HotplugWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("%s の監視に失敗: %w", w.dir, err)
	}
	w.logger.Info("デバイスの監視を開始しました", "dir", w.dir)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isHotplugEvent(event) {
				continue
			}
			w.logger.Debug("デバイスノードが変化しました", "name", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("デバイス監視でエラーが発生しました", "error", err)

		case <-timerC:
			timerC = nil
			w.onChange(ctx)
		}
	}
}

func isHotplugEvent(event fsnotify.Event) bool {
	if !IsVideoNode(event.Name) {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
