package camera

import (
	"time"
)

// frameSlot は最新フレームを1枚だけ保持する
type frameSlot struct {
	data       []byte
	width      int
	height     int
	format     PixelFormat
	sequence   uint64
	receivedAt time.Time
	read       bool // 現在のフレームが読み出し済みか
}

// OnPreviewFrame はデバイスから新しいフレームを受け取る
//
// デバイス側のゴルーチンから呼び出される。コンシューマを待たずにスロットを上書きし、
// 読み出されなかった前のフレームは破棄する。
func (s *FrameSource) OnPreviewFrame(data []byte) {
	s.pixelsMu.Lock()
	dropped := s.slot.data != nil && !s.slot.read
	s.slot.data = data
	s.slot.sequence++
	s.slot.receivedAt = time.Now()
	s.slot.read = false
	s.total++
	if dropped {
		s.dropped++
	}
	s.pixelsMu.Unlock()

	if dropped {
		s.observer.FrameDropped()
	}
	s.observer.FrameDelivered(len(data))
}

// LockPixels はフレームのロックを取得して現在のフレームを返す
//
// 戻り値は内部バッファを参照しており、UnlockPixelsを呼ぶまでの間のみ有効。
// フレームが未着の場合はnilを返す。成功した呼び出し1回につき必ず1回UnlockPixelsを呼ぶこと。
// ロック中に呼び出してよいのはWidth, Height, Formatのみ。制御系の操作はスロットの解放を待つため、
// ロック中に呼び出すとデッドロックする。
func (s *FrameSource) LockPixels() []byte {
	s.pixelsMu.Lock()
	s.slot.read = true
	return s.slot.data
}

// UnlockPixels はLockPixelsで取得したロックを解放する
func (s *FrameSource) UnlockPixels() {
	s.pixelsMu.Unlock()
}

// WithPixels はロックを取得した状態でfnに現在のフレームを渡す
//
// fnが戻るかpanicした時点でロックは解放される。フレームが未着の場合はfnを呼ばずにfalseを返す。
// fnに渡されるFrame.Dataはfnの実行中のみ有効。
func (s *FrameSource) WithPixels(fn func(Frame)) bool {
	s.pixelsMu.Lock()
	defer s.pixelsMu.Unlock()

	if s.slot.data == nil {
		return false
	}
	s.slot.read = true
	fn(s.frameLocked(s.slot.data))
	return true
}

// CopyPixels は現在のフレームのコピーを返す
func (s *FrameSource) CopyPixels() (Frame, bool) {
	s.pixelsMu.Lock()
	defer s.pixelsMu.Unlock()

	if s.slot.data == nil {
		return Frame{}, false
	}
	s.slot.read = true
	data := make([]byte, len(s.slot.data))
	copy(data, s.slot.data)
	return s.frameLocked(data), true
}

// Sequence は最後に受け取ったフレームの番号を返す。未着なら0
func (s *FrameSource) Sequence() uint64 {
	s.pixelsMu.Lock()
	defer s.pixelsMu.Unlock()
	return s.slot.sequence
}

func (s *FrameSource) frameLocked(data []byte) Frame {
	return Frame{
		Data:      data,
		Width:     s.slot.width,
		Height:    s.slot.height,
		Format:    s.slot.format,
		Sequence:  s.slot.sequence,
		Timestamp: s.slot.receivedAt,
	}
}

// resetSlot はスロットを空にしてメタデータを設定する。番号はセッションを通して単調増加のまま
func (s *FrameSource) resetSlot(width, height int, format PixelFormat) {
	s.pixelsMu.Lock()
	s.slot = frameSlot{
		width:    width,
		height:   height,
		format:   format,
		sequence: s.slot.sequence,
	}
	s.pixelsMu.Unlock()
}
