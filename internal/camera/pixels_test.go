package camera

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// startedSource はキャプチャ開始済みのFrameSourceと背面のモックデバイスを返す
func startedSource(t *testing.T) (*FrameSource, *MockDevice, *recordingObserver) {
	t.Helper()
	src, platform, obs := newTestSource(t, true, true)
	src.StartCapture(context.Background())
	t.Cleanup(func() {
		src.StopCapture(context.Background())
	})

	dev, ok := platform.Device("0")
	if !ok {
		t.Fatal("Expected back camera to be open")
	}
	return src, dev, obs
}

func TestLockPixels_NoFrame(t *testing.T) {
	src, _, _ := startedSource(t)

	data := src.LockPixels()
	src.UnlockPixels()

	if data != nil {
		t.Errorf("Expected nil before the first frame, got %d bytes", len(data))
	}
}

func TestLockPixels_LatestFrameWins(t *testing.T) {
	src, dev, obs := startedSource(t)

	first := []byte{1, 1, 1}
	second := []byte{2, 2, 2}
	dev.Deliver(first)
	dev.Deliver(second)

	data := src.LockPixels()
	got := append([]byte(nil), data...)
	src.UnlockPixels()

	if !bytes.Equal(got, second) {
		t.Errorf("Expected latest frame %v, got %v", second, got)
	}
	if obs.dropped != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", obs.dropped)
	}
	if obs.delivered != 2 {
		t.Errorf("Expected 2 delivered frames, got %d", obs.delivered)
	}
	if src.Sequence() != 2 {
		t.Errorf("Expected sequence 2, got %d", src.Sequence())
	}
}

func TestLockPixels_ReadFrameIsNotDropped(t *testing.T) {
	src, dev, obs := startedSource(t)

	dev.Deliver([]byte{1})
	src.LockPixels()
	src.UnlockPixels()
	dev.Deliver([]byte{2})

	if obs.dropped != 0 {
		t.Errorf("Expected no dropped frames, got %d", obs.dropped)
	}
}

func TestLockPixels_BlocksProducer(t *testing.T) {
	src, dev, _ := startedSource(t)
	dev.Deliver([]byte{1})

	data := src.LockPixels()

	delivered := make(chan struct{})
	go func() {
		dev.Deliver([]byte{2})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("Producer should block while pixels are locked")
	case <-time.After(50 * time.Millisecond):
	}

	// ロック中はバッファが書き換わらない
	if data[0] != 1 {
		t.Errorf("Expected locked buffer to stay intact, got %d", data[0])
	}
	src.UnlockPixels()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("Producer should resume after UnlockPixels")
	}

	if src.Sequence() != 2 {
		t.Errorf("Expected sequence 2, got %d", src.Sequence())
	}
}

func TestLockPixels_BlocksSecondConsumer(t *testing.T) {
	src, dev, _ := startedSource(t)
	dev.Deliver([]byte{1})

	src.LockPixels()

	acquired := make(chan struct{})
	go func() {
		src.LockPixels()
		close(acquired)
		src.UnlockPixels()
	}()

	select {
	case <-acquired:
		t.Fatal("Second LockPixels should block")
	case <-time.After(50 * time.Millisecond):
	}

	src.UnlockPixels()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Second LockPixels should acquire after UnlockPixels")
	}
}

func TestWithPixels(t *testing.T) {
	src, dev, _ := startedSource(t)

	if src.WithPixels(func(Frame) { t.Error("fn should not be called before the first frame") }) {
		t.Error("Expected false before the first frame")
	}

	dev.Deliver([]byte{9, 8, 7})

	var got Frame
	ok := src.WithPixels(func(f Frame) {
		got = f
	})
	if !ok {
		t.Fatal("Expected WithPixels to succeed")
	}
	if got.Width != 640 || got.Height != 480 || got.Format != PixelFormatNV21 {
		t.Errorf("Unexpected frame metadata: %dx%d %s", got.Width, got.Height, got.Format)
	}
	if got.Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", got.Sequence)
	}
	if got.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestWithPixels_ReleasesOnPanic(t *testing.T) {
	src, dev, _ := startedSource(t)
	dev.Deliver([]byte{1})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		src.WithPixels(func(Frame) {
			panic("consumer failure")
		})
	}()

	acquired := make(chan struct{})
	go func() {
		src.LockPixels()
		src.UnlockPixels()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock should be released after panic")
	}
}

func TestCopyPixels(t *testing.T) {
	src, dev, _ := startedSource(t)

	if _, ok := src.CopyPixels(); ok {
		t.Error("Expected no frame before the first delivery")
	}

	original := []byte{5, 6, 7}
	dev.Deliver(original)

	frame, ok := src.CopyPixels()
	if !ok {
		t.Fatal("Expected a frame")
	}
	frame.Data[0] = 0

	if original[0] != 5 {
		t.Error("Modifying the copy should not touch the slot")
	}
}

func TestStopCapture_ClearsSlot(t *testing.T) {
	src, dev, _ := startedSource(t)
	dev.Deliver([]byte{1})
	dev.Deliver([]byte{2})

	src.StopCapture(context.Background())

	data := src.LockPixels()
	src.UnlockPixels()
	if data != nil {
		t.Errorf("Expected empty slot after stop, got %d bytes", len(data))
	}
	if src.Sequence() != 2 {
		t.Errorf("Expected sequence to be preserved across stop, got %d", src.Sequence())
	}
}

func TestGeneratedFrames(t *testing.T) {
	platform := NewMockPlatformWithFacings(true, false)
	platform.SetPreviewSize(8, 4, PixelFormatYUYV)
	platform.SetFrameRate(200)

	src := NewFrameSource(platform, WithLogger(discardLogger()))
	ctx := context.Background()
	if err := src.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	src.StartCapture(ctx)
	defer src.StopCapture(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for src.Sequence() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected generated frames")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frame, ok := src.CopyPixels()
	if !ok {
		t.Fatal("Expected a frame")
	}
	if len(frame.Data) != 8*4*2 {
		t.Errorf("Expected %d bytes, got %d", 8*4*2, len(frame.Data))
	}
	if frame.Format != PixelFormatYUYV {
		t.Errorf("Expected format %s, got %s", PixelFormatYUYV, frame.Format)
	}
}

func TestSyntheticFrame_Sizes(t *testing.T) {
	testCases := []struct {
		format PixelFormat
		want   int
	}{
		{PixelFormatRGBA, 4 * 2 * 4},
		{PixelFormatYUYV, 4 * 2 * 2},
		{PixelFormatNV21, 4*2 + 4},
	}
	for _, tc := range testCases {
		t.Run(string(tc.format), func(t *testing.T) {
			if got := len(SyntheticFrame(4, 2, tc.format, 0)); got != tc.want {
				t.Errorf("Expected %d bytes, got %d", tc.want, got)
			}
		})
	}
}

func TestSyntheticFrame_OddWidthYUYV(t *testing.T) {
	frame := SyntheticFrame(5, 3, PixelFormatYUYV, 7)
	if len(frame) != 5*3*2 {
		t.Fatalf("Expected %d bytes, got %d", 5*3*2, len(frame))
	}
	// 各行の最後の画素は書き込まれない
	for y := 0; y < 3; y++ {
		i := (y*5 + 4) * 2
		if frame[i] != 0 || frame[i+1] != 0 {
			t.Errorf("row %d: expected trailing pixel to stay zero, got %v", y, frame[i:i+2])
		}
	}
}

// 停止処理がスロットの解放を待っている間も、ロック中のコンシューマはサイズを読める
func TestLockPixels_SizeReadableDuringStop(t *testing.T) {
	src, dev, _ := startedSource(t)
	dev.Deliver(SyntheticFrame(640, 480, PixelFormatNV21, 1))

	data := src.LockPixels()
	if data == nil {
		src.UnlockPixels()
		t.Fatal("Expected a frame")
	}

	stopped := make(chan struct{})
	go func() {
		src.StopCapture(context.Background())
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)

	sizeRead := make(chan [2]int, 1)
	go func() {
		sizeRead <- [2]int{src.Width(), src.Height()}
	}()

	select {
	case <-sizeRead:
	case <-time.After(2 * time.Second):
		src.UnlockPixels()
		t.Fatal("Width/Height blocked while the frame was locked and StopCapture was running")
	}
	_ = src.Format()
	copied := append([]byte(nil), data...)
	src.UnlockPixels()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopCapture did not finish after UnlockPixels")
	}
	if len(copied) != 640*480*3/2 {
		t.Errorf("Expected full frame copy, got %d bytes", len(copied))
	}
	if src.Width() != 0 || src.Height() != 0 {
		t.Errorf("Expected zero size after stop, got %dx%d", src.Width(), src.Height())
	}
}
