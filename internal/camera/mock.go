package camera

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockPlatform はテスト用のモックPlatform実装
type MockPlatform struct {
	mu      sync.Mutex
	devices []DeviceInfo
	width   int
	height  int
	format  PixelFormat
	fps     int

	// テスト制御用
	failures map[string]error

	// 呼び出し回数
	enumerateCount int
	openCount      map[DeviceID]int
	releaseCount   map[DeviceID]int
	open           map[DeviceID]*MockDevice
}

// Mock操作名（SetFailureで使用）
const (
	MockOpEnumerate    = "enumerate"
	MockOpOpen         = "open"
	MockOpSetTexture   = "set_texture"
	MockOpStartPreview = "start_preview"
	MockOpStopPreview  = "stop_preview"
	MockOpRelease      = "release"
)

// NewMockPlatform は新しいMockPlatformを作成する
func NewMockPlatform(devices []DeviceInfo) *MockPlatform {
	return &MockPlatform{
		devices:      append([]DeviceInfo(nil), devices...),
		width:        640,
		height:       480,
		format:       PixelFormatNV21,
		failures:     make(map[string]error),
		openCount:    make(map[DeviceID]int),
		releaseCount: make(map[DeviceID]int),
		open:         make(map[DeviceID]*MockDevice),
	}
}

// NewMockPlatformWithFacings は背面・前面の有無を指定してMockPlatformを作成する
func NewMockPlatformWithFacings(back, front bool) *MockPlatform {
	var devices []DeviceInfo
	if back {
		devices = append(devices, DeviceInfo{ID: "0", Name: "モック背面カメラ", Facing: FacingBack})
	}
	if front {
		devices = append(devices, DeviceInfo{ID: "1", Name: "モック前面カメラ", Facing: FacingFront})
	}
	return NewMockPlatform(devices)
}

// SetPreviewSize はOpen時に報告するプレビューサイズとフォーマットを設定する
func (m *MockPlatform) SetPreviewSize(width, height int, format PixelFormat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.width = width
	m.height = height
	m.format = format
}

// SetFrameRate は合成フレームの生成レートを設定する。0で生成しない
func (m *MockPlatform) SetFrameRate(fps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fps = fps
}

// SetFailure は指定された操作を失敗させる。errがnilなら解除する
func (m *MockPlatform) SetFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockPlatform) AddDevice(info DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == info.ID {
			return
		}
	}
	m.devices = append(m.devices, info)
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockPlatform) RemoveDevice(id DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d.ID == id {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

// Enumerate はモックデバイス一覧を返す
func (m *MockPlatform) Enumerate(_ context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enumerateCount++
	if err := m.failures[MockOpEnumerate]; err != nil {
		return nil, err
	}
	return append([]DeviceInfo(nil), m.devices...), nil
}

// Open はモックデバイスを開く
func (m *MockPlatform) Open(_ context.Context, id DeviceID) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failures[MockOpOpen]; err != nil {
		return nil, err
	}

	found := false
	for _, d := range m.devices {
		if d.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if _, busy := m.open[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, id)
	}

	dev := &MockDevice{
		platform: m,
		id:       id,
		width:    m.width,
		height:   m.height,
		format:   m.format,
		fps:      m.fps,
	}
	m.open[id] = dev
	m.openCount[id]++
	return dev, nil
}

// OpenCount はOpenが成功した回数を返す
func (m *MockPlatform) OpenCount(id DeviceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount[id]
}

// ReleaseCount はReleaseが呼ばれた回数を返す
func (m *MockPlatform) ReleaseCount(id DeviceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseCount[id]
}

// EnumerateCount はEnumerateが呼ばれた回数を返す
func (m *MockPlatform) EnumerateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enumerateCount
}

// OpenDevices は現在開かれているデバイス数を返す
func (m *MockPlatform) OpenDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Device は開かれているモックデバイスを返す
func (m *MockPlatform) Device(id DeviceID) (*MockDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.open[id]
	return dev, ok
}

func (m *MockPlatform) failure(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[op]
}

func (m *MockPlatform) released(id DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, id)
	m.releaseCount[id]++
}

// MockDevice はテスト用のモックDevice実装
type MockDevice struct {
	platform *MockPlatform
	id       DeviceID
	width    int
	height   int
	format   PixelFormat
	fps      int

	mu         sync.Mutex
	texture    PreviewTexture
	sink       FrameSink
	previewing bool
	released   bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// PreviewSize はプレビューサイズを返す
func (d *MockDevice) PreviewSize() (int, int) {
	return d.width, d.height
}

// PixelFormat は画素フォーマットを返す
func (d *MockDevice) PixelFormat() PixelFormat {
	return d.format
}

// SetPreviewTexture は描画先を設定する
func (d *MockDevice) SetPreviewTexture(tex PreviewTexture) error {
	if err := d.platform.failure(MockOpSetTexture); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texture = tex
	return nil
}

// SetPreviewCallback はフレームの受け取り先を設定する
func (d *MockDevice) SetPreviewCallback(sink FrameSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Texture は現在の描画先を返す
func (d *MockDevice) Texture() PreviewTexture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.texture
}

// StartPreview はプレビューを開始する
func (d *MockDevice) StartPreview() error {
	if err := d.platform.failure(MockOpStartPreview); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return fmt.Errorf("解放済みのデバイスです: %s", d.id)
	}
	if d.previewing {
		return nil
	}
	d.previewing = true

	if d.fps > 0 {
		d.stopCh = make(chan struct{})
		d.wg.Add(1)
		go d.generate(d.stopCh, time.Second/time.Duration(d.fps))
	}
	return nil
}

// StopPreview はプレビューを停止する
func (d *MockDevice) StopPreview() error {
	d.mu.Lock()
	stopCh := d.stopCh
	d.stopCh = nil
	d.previewing = false
	d.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		d.wg.Wait()
	}
	return d.platform.failure(MockOpStopPreview)
}

// Release はデバイスを解放する
func (d *MockDevice) Release() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	d.mu.Unlock()

	d.platform.released(d.id)
	return d.platform.failure(MockOpRelease)
}

// Previewing はプレビュー中かを返す
func (d *MockDevice) Previewing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previewing
}

// Deliver はフレームを同期的に配信する。プレビュー中でなければfalseを返す
func (d *MockDevice) Deliver(data []byte) bool {
	d.mu.Lock()
	if !d.previewing {
		d.mu.Unlock()
		return false
	}
	sink := d.sink
	tex := d.texture
	d.mu.Unlock()

	if tex != nil {
		_ = tex.UpdateTexImage(data, d.width, d.height, d.format)
	}
	if sink != nil {
		sink.OnPreviewFrame(data)
	}
	return true
}

// generate は一定間隔で合成フレームを配信する
func (d *MockDevice) generate(stopCh <-chan struct{}, interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			n++
			d.Deliver(SyntheticFrame(d.width, d.height, d.format, n))
		}
	}
}

// SyntheticFrame はテストパターンのフレームを生成する
//
// 輝度は横方向のグラデーションをnだけずらしたもの。対応していないフォーマットはNV21として生成する。
func SyntheticFrame(width, height int, format PixelFormat, n int) []byte {
	switch format {
	case PixelFormatRGBA:
		buf := make([]byte, width*height*4)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				i := (y*width + x) * 4
				v := byte((x + n) % 256)
				buf[i], buf[i+1], buf[i+2], buf[i+3] = v, byte(y%256), 128, 255
			}
		}
		return buf
	case PixelFormatYUYV:
		buf := make([]byte, width*height*2)
		for y := 0; y < height; y++ {
			// 奇数幅の最後の1画素はペアを作れないので0のまま
			for x := 0; x+1 < width; x += 2 {
				i := (y*width + x) * 2
				buf[i] = byte((x + n) % 256)
				buf[i+1] = 128
				buf[i+2] = byte((x + 1 + n) % 256)
				buf[i+3] = 128
			}
		}
		return buf
	default:
		ySize := width * height
		buf := make([]byte, ySize+ySize/2)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				buf[y*width+x] = byte((x + n) % 256)
			}
		}
		for i := ySize; i < len(buf); i++ {
			buf[i] = 128
		}
		return buf
	}
}
