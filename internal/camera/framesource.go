package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// FrameSource は論理カメラ（背面/前面）と実デバイスを結び付けるセッション
//
// 制御系の操作（Initialize, StartCapture, StopCapture, SwitchTo*）は
// 単一の制御ゴルーチンから呼び出すこと。互いに並行して呼び出すことは想定していない。
// フレームの受け渡しはLockPixels/UnlockPixelsまたはWithPixelsで行い、
// こちらは任意のゴルーチンから安全に呼び出せる。
type FrameSource struct {
	id       string
	platform Platform
	logger   *slog.Logger
	observer FrameObserver

	// セッション状態（制御系）
	mu          sync.RWMutex
	initialized bool
	backID      DeviceID
	frontID     DeviceID
	activeID    DeviceID
	device      Device
	texture     PreviewTexture

	// プレビューサイズはs.muを取らずに読めるようにする。
	// LockPixels中のコンシューマから参照されるため
	size atomic.Pointer[previewSize]

	// 単一スロットのフレームバッファ
	pixelsMu sync.Mutex
	slot     frameSlot
	total    uint64
	dropped  uint64
}

// Option はFrameSourceの設定を変更する
type Option func(*FrameSource)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *FrameSource) {
		s.logger = logger
	}
}

// WithObserver はイベントの受け取り先を設定する
func WithObserver(observer FrameObserver) Option {
	return func(s *FrameSource) {
		s.observer = observer
	}
}

// WithTexture は初期のプレビュー描画先を設定する
func WithTexture(tex PreviewTexture) Option {
	return func(s *FrameSource) {
		s.texture = tex
	}
}

// NewFrameSource は新しいFrameSourceを作成する
func NewFrameSource(platform Platform, opts ...Option) *FrameSource {
	s := &FrameSource{
		id:       uuid.New().String(),
		platform: platform,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "camera", "session", s.id)
	return s
}

// ID はセッションIDを返す
func (s *FrameSource) ID() string {
	return s.id
}

// CheckCameraPresence は背面・前面カメラの有無を返す
func (s *FrameSource) CheckCameraPresence(ctx context.Context) (hasBack, hasFront bool) {
	return CheckCameraPresence(ctx, s.platform, s.logger)
}

// Initialize はカメラを列挙して背面・前面のデバイスIDを解決する
//
// 再実行すると列挙をやり直す。動作中のデバイスが列挙から消えていた場合は停止する。
func (s *FrameSource) Initialize(ctx context.Context) error {
	infos, err := s.platform.Enumerate(ctx)
	if err != nil {
		s.logger.Error("カメラの列挙に失敗しました", "error", err)
		s.observer.DeviceError("enumerate")
		return fmt.Errorf("カメラの列挙に失敗: %w", err)
	}

	back, front := resolveFacings(infos)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.backID = back
	s.frontID = front
	if s.texture == nil {
		s.texture = DiscardTexture{}
	}
	s.initialized = true

	s.logger.Info("カメラを初期化しました", "back", back, "front", front)

	if s.device != nil && s.activeID != back && s.activeID != front {
		s.logger.Warn("動作中のデバイスが見つからなくなったため停止します", "device", s.activeID)
		s.stopDeviceLocked()
	}

	return nil
}

// HasBackCamera は背面カメラが解決済みかを返す
func (s *FrameSource) HasBackCamera() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backID != ""
}

// HasFrontCamera は前面カメラが解決済みかを返す
func (s *FrameSource) HasFrontCamera() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frontID != ""
}

// StartCapture はキャプチャを開始する。背面カメラを優先し、なければ前面カメラを使う
func (s *FrameSource) StartCapture(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.checkInitializedLocked("StartCapture") {
		return
	}

	switch {
	case s.backID != "":
		s.startFacingLocked(ctx, FacingBack)
	case s.frontID != "":
		s.startFacingLocked(ctx, FacingFront)
	default:
		s.logger.Warn("利用可能なカメラがありません")
	}
}

// StopCapture はデバイスを解放する。デバイスが開かれていない場合は何もしない
func (s *FrameSource) StopCapture(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopDeviceLocked()
}

// SwitchToBackCamera は背面カメラに切り替える
func (s *FrameSource) SwitchToBackCamera(ctx context.Context) {
	s.switchTo(ctx, FacingBack)
}

// SwitchToFrontCamera は前面カメラに切り替える
func (s *FrameSource) SwitchToFrontCamera(ctx context.Context) {
	s.switchTo(ctx, FacingFront)
}

// SwitchTo は指定された向きのカメラに切り替える
func (s *FrameSource) SwitchTo(ctx context.Context, facing Facing) {
	s.switchTo(ctx, facing)
}

func (s *FrameSource) switchTo(ctx context.Context, facing Facing) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.checkInitializedLocked("SwitchTo") {
		return
	}
	s.startFacingLocked(ctx, facing)
}

// SetDummyTexture はプレビュー描画先を設定する
//
// デバイスが動作中の場合はその場で再設定する。失敗してもログ出力のみ行う。
func (s *FrameSource) SetDummyTexture(tex PreviewTexture) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.texture = tex
	if s.device == nil {
		return
	}
	if err := s.device.SetPreviewTexture(tex); err != nil {
		s.logger.Warn("プレビュー描画先の再設定に失敗しました", "error", err)
		s.observer.DeviceError("set_texture")
	}
}

// previewSize は動作中デバイスのプレビューサイズ
type previewSize struct {
	width  int
	height int
	format PixelFormat
}

func (s *FrameSource) previewSize() previewSize {
	if p := s.size.Load(); p != nil {
		return *p
	}
	return previewSize{}
}

// Width はプレビュー幅を返す。デバイス停止中は0
//
// Height, Formatとともにロックを取らないため、LockPixelsからUnlockPixelsの間でも呼び出せる。
func (s *FrameSource) Width() int {
	return s.previewSize().width
}

// Height はプレビュー高さを返す。デバイス停止中は0
func (s *FrameSource) Height() int {
	return s.previewSize().height
}

// Format はプレビューの画素フォーマットを返す。デバイス停止中は空
func (s *FrameSource) Format() PixelFormat {
	return s.previewSize().format
}

// ActiveFacing は動作中のカメラの向きを返す。停止中は空
func (s *FrameSource) ActiveFacing() Facing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.facingOfLocked(s.activeID)
}

// State は現在の状態を返す
func (s *FrameSource) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// Status は状態のスナップショットを返す
func (s *FrameSource) Status() Status {
	size := s.previewSize()
	s.mu.RLock()
	st := Status{
		SessionID: s.id,
		State:     s.stateLocked(),
		Facing:    s.facingOfLocked(s.activeID),
		Device:    s.activeID,
		HasBack:   s.backID != "",
		HasFront:  s.frontID != "",
		Width:     size.width,
		Height:    size.height,
		Format:    size.format,
	}
	s.mu.RUnlock()

	s.pixelsMu.Lock()
	st.Sequence = s.slot.sequence
	if s.slot.data != nil {
		at := s.slot.receivedAt
		st.LastFrameAt = &at
	}
	st.FramesTotal = s.total
	st.FramesDropped = s.dropped
	s.pixelsMu.Unlock()

	return st
}

func (s *FrameSource) stateLocked() State {
	switch {
	case !s.initialized:
		return StateUninitialized
	case s.device != nil:
		return StateRunning
	default:
		return StateStopped
	}
}

func (s *FrameSource) facingOfLocked(id DeviceID) Facing {
	switch {
	case id == "":
		return ""
	case id == s.backID:
		return FacingBack
	case id == s.frontID:
		return FacingFront
	default:
		return ""
	}
}

func (s *FrameSource) deviceIDLocked(facing Facing) DeviceID {
	if facing == FacingFront {
		return s.frontID
	}
	return s.backID
}

func (s *FrameSource) checkInitializedLocked(op string) bool {
	if s.initialized {
		return true
	}
	s.logger.Warn("Initialize前に呼び出されました", "op", op)
	return false
}

// startFacingLocked は指定された向きのデバイスを開始する（ロック済み前提）
func (s *FrameSource) startFacingLocked(ctx context.Context, facing Facing) {
	id := s.deviceIDLocked(facing)
	if s.device != nil && s.activeID != "" && s.activeID == id {
		return
	}

	s.stopDeviceLocked()

	if id == "" {
		s.logger.Warn("指定された向きのカメラがありません", "facing", facing)
		return
	}

	if err := s.startDeviceLocked(ctx, id); err != nil {
		s.logger.Error("デバイスの開始に失敗しました", "device", id, "facing", facing, "error", err)
		return
	}

	size := s.previewSize()
	s.logger.Info("キャプチャを開始しました",
		"device", id, "facing", facing,
		"width", size.width, "height", size.height, "format", size.format)
	s.observer.DeviceOpened(facing)
	s.observer.CaptureRunning(true)
}

// startDeviceLocked はデバイスを開いてプレビューを開始する（ロック済み前提）
//
// 失敗した場合は開いたデバイスを解放し、状態を停止中のままにする。
func (s *FrameSource) startDeviceLocked(ctx context.Context, id DeviceID) error {
	dev, err := s.platform.Open(ctx, id)
	if err != nil {
		s.observer.DeviceError("open")
		return fmt.Errorf("デバイスのオープンに失敗: %w", err)
	}

	width, height := dev.PreviewSize()
	format := dev.PixelFormat()

	if err := dev.SetPreviewTexture(s.texture); err != nil {
		s.observer.DeviceError("set_texture")
		s.releaseQuietly(dev)
		return fmt.Errorf("プレビュー描画先の設定に失敗: %w", err)
	}

	s.resetSlot(width, height, format)
	dev.SetPreviewCallback(s)

	if err := dev.StartPreview(); err != nil {
		s.observer.DeviceError("start_preview")
		dev.SetPreviewCallback(nil)
		s.releaseQuietly(dev)
		s.resetSlot(0, 0, "")
		return fmt.Errorf("プレビューの開始に失敗: %w", err)
	}

	s.device = dev
	s.activeID = id
	s.size.Store(&previewSize{width: width, height: height, format: format})

	return nil
}

// stopDeviceLocked はデバイスを停止・解放する（ロック済み前提）
//
// プラットフォーム側のエラーはログ出力のみ行い、ハンドルは破棄する。
func (s *FrameSource) stopDeviceLocked() {
	dev := s.device
	s.device = nil
	s.activeID = ""
	s.size.Store(nil)

	if dev == nil {
		return
	}

	if err := dev.SetPreviewTexture(nil); err != nil {
		s.logger.Warn("プレビュー描画先の解除に失敗しました", "error", err)
		s.observer.DeviceError("set_texture")
	}
	dev.SetPreviewCallback(nil)
	if err := dev.StopPreview(); err != nil {
		s.logger.Error("プレビューの停止に失敗しました", "error", err)
		s.observer.DeviceError("stop_preview")
	}
	if err := dev.Release(); err != nil {
		s.logger.Error("デバイスの解放に失敗しました", "error", err)
		s.observer.DeviceError("release")
	}

	s.resetSlot(0, 0, "")
	s.observer.CaptureRunning(false)
	s.logger.Info("キャプチャを停止しました")
}

func (s *FrameSource) releaseQuietly(dev Device) {
	if err := dev.Release(); err != nil {
		s.logger.Warn("デバイスの解放に失敗しました", "error", err)
		s.observer.DeviceError("release")
	}
}

// resolveFacings は列挙結果から背面・前面のデバイスIDを決める
// 同じ向きが複数ある場合は後のものが優先される
func resolveFacings(infos []DeviceInfo) (back, front DeviceID) {
	for _, info := range infos {
		switch info.Facing {
		case FacingBack:
			back = info.ID
		case FacingFront:
			front = info.ID
		}
	}
	return back, front
}

// CheckCameraPresence はプラットフォームを列挙して背面・前面カメラの有無を返す
//
// 副作用はなく、セッションなしで呼び出せる。列挙に失敗した場合は両方falseを返す。
func CheckCameraPresence(ctx context.Context, platform Platform, logger *slog.Logger) (hasBack, hasFront bool) {
	infos, err := platform.Enumerate(ctx)
	if err != nil {
		if logger != nil {
			logger.Error("カメラの列挙に失敗しました", "error", err)
		}
		return false, false
	}

	for _, info := range infos {
		switch info.Facing {
		case FacingBack:
			hasBack = true
		case FacingFront:
			hasFront = true
		}
	}
	return hasBack, hasFront
}
