package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Facing はカメラの向きを表す
type Facing string

const (
	FacingBack  Facing = "back"  // 背面（外向き）カメラ
	FacingFront Facing = "front" // 前面（ユーザー向き）カメラ
)

// ParseFacing は文字列からFacingを取得する
func ParseFacing(s string) (Facing, error) {
	switch Facing(s) {
	case FacingBack, FacingFront:
		return Facing(s), nil
	default:
		return "", fmt.Errorf("無効なカメラの向き: %q", s)
	}
}

// DeviceID は物理カメラの識別子。空文字列は「存在しない」を表す
type DeviceID string

// DeviceInfo は列挙時に得られるカメラの情報
type DeviceInfo struct {
	ID     DeviceID // デバイス識別子（デバイスパスなど）
	Name   string   // 表示名
	Facing Facing   // カメラの向き
}

// PixelFormat はプレビューフレームの画素フォーマット
type PixelFormat string

const (
	PixelFormatNV21  PixelFormat = "nv21"
	PixelFormatYUYV  PixelFormat = "yuyv"
	PixelFormatMJPEG PixelFormat = "mjpeg"
	PixelFormatRGBA  PixelFormat = "rgba"
)

// State はFrameSourceの状態
type State string

const (
	StateUninitialized State = "uninitialized" // Initialize前
	StateStopped       State = "stopped"       // デバイス停止中
	StateRunning       State = "running"       // デバイス動作中
)

var (
	// ErrDeviceNotFound は指定されたデバイスが存在しない場合のエラー
	ErrDeviceNotFound = errors.New("デバイスが見つかりません")
	// ErrDeviceBusy はデバイスが既に使用中の場合のエラー
	ErrDeviceBusy = errors.New("デバイスは使用中です")
)

// Platform はカメラサービス（ハードウェア抽象化層）を表す
type Platform interface {
	// Enumerate は利用可能なカメラを列挙する
	Enumerate(ctx context.Context) ([]DeviceInfo, error)

	// Open は指定されたカメラを開く
	Open(ctx context.Context, id DeviceID) (Device, error)
}

// Device は開かれたカメラのハンドル
//
// SetPreviewCallbackで登録したFrameSinkに渡されるスライスの所有権は
// FrameSink側に移る。バッファを再利用するドライバはコピーしてから渡すこと。
type Device interface {
	// PreviewSize はネゴシエートされたプレビューサイズを返す
	PreviewSize() (width, height int)

	// PixelFormat はプレビューフレームの画素フォーマットを返す
	PixelFormat() PixelFormat

	// SetPreviewTexture はプレビュー描画先を設定する。nilで解除する
	SetPreviewTexture(tex PreviewTexture) error

	// SetPreviewCallback はフレームの受け取り先を設定する。nilで解除する
	SetPreviewCallback(sink FrameSink)

	// StartPreview はプレビューを開始する
	StartPreview() error

	// StopPreview はプレビューを停止する。戻った後はFrameSinkが呼ばれない
	StopPreview() error

	// Release はデバイスを解放する
	Release() error
}

// FrameSink はプレビューフレームの受け取り先
type FrameSink interface {
	OnPreviewFrame(data []byte)
}

// PreviewTexture はプレビューの副次的な描画先
type PreviewTexture interface {
	UpdateTexImage(data []byte, width, height int, format PixelFormat) error
}

// Frame はスロットに格納されたフレームとそのメタデータ
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Sequence  uint64    // 1から始まる到着順の番号
	Timestamp time.Time // 到着時刻
}

// Status はFrameSourceの状態のスナップショット
type Status struct {
	SessionID     string      `json:"session_id"`
	State         State       `json:"state"`
	Facing        Facing      `json:"facing,omitempty"`
	Device        DeviceID    `json:"device,omitempty"`
	HasBack       bool        `json:"has_back"`
	HasFront      bool        `json:"has_front"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	Format        PixelFormat `json:"format,omitempty"`
	Sequence      uint64      `json:"sequence"`
	LastFrameAt   *time.Time  `json:"last_frame_at,omitempty"`
	FramesTotal   uint64      `json:"frames_total"`
	FramesDropped uint64      `json:"frames_dropped"`
}

// FrameObserver はFrameSourceのイベントを受け取る
type FrameObserver interface {
	FrameDelivered(size int)
	FrameDropped()
	DeviceOpened(facing Facing)
	DeviceError(op string)
	CaptureRunning(running bool)
}

type nopObserver struct{}

func (nopObserver) FrameDelivered(int) {}
func (nopObserver) FrameDropped() {}
func (nopObserver) DeviceOpened(Facing) {}
func (nopObserver) DeviceError(string) {}
func (nopObserver) CaptureRunning(bool) {}
