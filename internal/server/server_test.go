package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"previewcam/internal/camera"
	"previewcam/internal/config"
)

// newTestServer はmockドライバを使うテスト用のサーバーを作成する
func newTestServer(t *testing.T, fps int) (*Server, *camera.MockPlatform) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Hotplug = false
	cfg.Camera.Driver = camera.DriverMock
	cfg.Camera.FPS = fps
	cfg.Snapshot.OutputDir = t.TempDir()

	platform := camera.NewMockPlatformWithFacings(true, true)
	platform.SetFrameRate(fps)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, platform, logger)
	if err != nil {
		t.Fatalf("サーバーの作成に失敗しました: %v", err)
	}
	t.Cleanup(func() {
		srv.Source().StopCapture(context.Background())
	})
	return srv, platform
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) camera.Status {
	t.Helper()
	var st camera.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("レスポンスのデコードに失敗しました: %v (%s)", err, w.Body.String())
	}
	return st
}

// startCapture はInitializeとStartCaptureをAPI経由で行う
func startCapture(t *testing.T, h http.Handler) camera.Status {
	t.Helper()
	if w := doRequest(t, h, http.MethodPost, "/api/initialize"); w.Code != http.StatusOK {
		t.Fatalf("initialize: status = %d, body = %s", w.Code, w.Body.String())
	}
	w := doRequest(t, h, http.MethodPost, "/api/capture/start")
	if w.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeStatus(t, w)
}

func deliverFrame(t *testing.T, platform *camera.MockPlatform, id camera.DeviceID, n int) {
	t.Helper()
	dev, ok := platform.Device(id)
	if !ok {
		t.Fatalf("デバイス %s が開かれていません", id)
	}
	w, h := dev.PreviewSize()
	if !dev.Deliver(camera.SyntheticFrame(w, h, dev.PixelFormat(), n)) {
		t.Fatalf("フレームを配信できませんでした")
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("デコードに失敗しました: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
}

func TestGetPresence(t *testing.T) {
	srv, platform := newTestServer(t, 0)
	platform.RemoveDevice("1")

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/presence")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp PresenceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("デコードに失敗しました: %v", err)
	}
	if !resp.HasBack || resp.HasFront {
		t.Errorf("presence = %+v, want back only", resp)
	}
	// セッションの状態は変化しない
	if st := srv.Source().State(); st != camera.StateUninitialized {
		t.Errorf("state = %s, want uninitialized", st)
	}
}

func TestStatusLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	h := srv.Handler()

	st := decodeStatus(t, doRequest(t, h, http.MethodGet, "/api/status"))
	if st.State != camera.StateUninitialized {
		t.Errorf("initial state = %s, want uninitialized", st.State)
	}

	st = startCapture(t, h)
	if st.State != camera.StateRunning || st.Facing != camera.FacingBack {
		t.Errorf("after start = %s/%s, want running/back", st.State, st.Facing)
	}
	if st.Width != 640 || st.Height != 480 {
		t.Errorf("size = %dx%d, want 640x480", st.Width, st.Height)
	}

	w := doRequest(t, h, http.MethodPost, "/api/capture/switch?facing=front")
	if w.Code != http.StatusOK {
		t.Fatalf("switch: status = %d, body = %s", w.Code, w.Body.String())
	}
	st = decodeStatus(t, w)
	if st.Facing != camera.FacingFront || st.Device != "1" {
		t.Errorf("after switch = %s/%s, want front/1", st.Facing, st.Device)
	}

	st = decodeStatus(t, doRequest(t, h, http.MethodPost, "/api/capture/stop"))
	if st.State != camera.StateStopped || st.Width != 0 || st.Height != 0 {
		t.Errorf("after stop = %+v, want stopped with zero size", st)
	}
}

func TestInitializeFailure(t *testing.T) {
	srv, platform := newTestServer(t, 0)
	platform.SetFailure(camera.MockOpEnumerate, io.ErrUnexpectedEOF)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/initialize")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("デコードに失敗しました: %v", err)
	}
	if resp.Error != "initialize_failed" || resp.Details == nil {
		t.Errorf("error response = %+v", resp)
	}
}

func TestRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	h := srv.Handler()
	startCapture(t, h)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"facingなし", http.MethodPost, "/api/capture/switch", http.StatusBadRequest},
		{"不正なfacing", http.MethodPost, "/api/capture/switch?facing=side", http.StatusBadRequest},
		{"不正なencoding", http.MethodGet, "/api/frame?encoding=bmp", http.StatusBadRequest},
		{"widthが0", http.MethodGet, "/api/frame?width=0", http.StatusBadRequest},
		{"widthが数値でない", http.MethodGet, "/api/frame?width=abc", http.StatusBadRequest},
		{"rawで縮小", http.MethodGet, "/api/frame?encoding=raw&width=100", http.StatusBadRequest},
		{"許可されていないメソッド", http.MethodGet, "/api/capture/start", http.StatusMethodNotAllowed},
		{"存在しないパス", http.MethodGet, "/api/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, h, tt.method, tt.path)
			if w.Code != tt.want {
				t.Errorf("%s %s: status = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestGetFrame_NoFrame(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	h := srv.Handler()

	// 初期化前
	if w := doRequest(t, h, http.MethodGet, "/api/frame"); w.Code != http.StatusNoContent {
		t.Errorf("before init: status = %d, want 204", w.Code)
	}

	startCapture(t, h)
	if w := doRequest(t, h, http.MethodGet, "/api/frame?encoding=raw"); w.Code != http.StatusNoContent {
		t.Errorf("before first frame: status = %d, want 204", w.Code)
	}
}

func TestGetFrame_Raw(t *testing.T) {
	srv, platform := newTestServer(t, 0)
	h := srv.Handler()
	startCapture(t, h)
	deliverFrame(t, platform, "0", 1)

	w := doRequest(t, h, http.MethodGet, "/api/frame?encoding=raw")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got, want := w.Body.Len(), 640*480*3/2; got != want {
		t.Errorf("body length = %d, want %d", got, want)
	}
	wantHeaders := map[string]string{
		"X-Frame-Width":    "640",
		"X-Frame-Height":   "480",
		"X-Frame-Format":   "nv21",
		"X-Frame-Sequence": "1",
		"Content-Type":     "application/octet-stream",
	}
	for k, v := range wantHeaders {
		if got := w.Header().Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
	if !bytes.Equal(w.Body.Bytes(), camera.SyntheticFrame(640, 480, camera.PixelFormatNV21, 1)) {
		t.Error("body does not match delivered frame")
	}
}

func TestGetFrame_JPEG(t *testing.T) {
	srv, platform := newTestServer(t, 0)
	h := srv.Handler()
	startCapture(t, h)
	deliverFrame(t, platform, "0", 1)

	tests := []struct {
		path          string
		width, height int
	}{
		{"/api/frame", 640, 480},
		{"/api/frame?encoding=jpeg&width=320", 320, 240},
	}

	for _, tt := range tests {
		w := doRequest(t, h, http.MethodGet, tt.path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", tt.path, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("%s: content type = %q", tt.path, ct)
		}
		cfg, err := jpeg.DecodeConfig(w.Body)
		if err != nil {
			t.Fatalf("%s: JPEGのデコードに失敗しました: %v", tt.path, err)
		}
		if cfg.Width != tt.width || cfg.Height != tt.height {
			t.Errorf("%s: size = %dx%d, want %dx%d", tt.path, cfg.Width, cfg.Height, tt.width, tt.height)
		}
	}
}

func TestStream_NotRunning(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/stream")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestStream_MJPEG(t *testing.T) {
	srv, _ := newTestServer(t, 50)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	startCapture(t, srv.Handler())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?width=160", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("リクエストに失敗しました: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type = %q", ct)
	}

	mr := multipart.NewReader(resp.Body, "frame")
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("パート %d の読み込みに失敗しました: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part content type = %q", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("パート %d の読み込みに失敗しました: %v", i, err)
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("JPEGのデコードに失敗しました: %v", err)
		}
		if cfg.Width != 160 || cfg.Height != 120 {
			t.Errorf("size = %dx%d, want 160x120", cfg.Width, cfg.Height)
		}
	}
	cancel()
}

func TestSnapshots(t *testing.T) {
	srv, platform := newTestServer(t, 0)
	h := srv.Handler()
	startCapture(t, h)

	// フレームがなければ保存しない
	if w := doRequest(t, h, http.MethodPost, "/api/snapshots"); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	deliverFrame(t, platform, "0", 1)
	w := doRequest(t, h, http.MethodPost, "/api/snapshots")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", w.Code, w.Body.String())
	}

	// 同じフレームは二重に保存しない
	if w := doRequest(t, h, http.MethodPost, "/api/snapshots"); w.Code != http.StatusNoContent {
		t.Errorf("same frame: status = %d, want 204", w.Code)
	}

	w = doRequest(t, h, http.MethodGet, "/api/snapshots")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp SnapshotsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("デコードに失敗しました: %v", err)
	}
	if len(resp.Snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(resp.Snapshots))
	}
	if resp.Snapshots[0].FileSize == 0 {
		t.Error("snapshot file size is zero")
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	h := srv.Handler()
	startCapture(t, h)

	w := doRequest(t, h, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", w.Code)
	}
	for _, name := range []string{"previewcam_device_opens_total", "previewcam_capture_running 1"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("metrics output does not contain %q", name)
		}
	}

	w = doRequest(t, h, http.MethodGet, "/api/openapi.yaml")
	if w.Code != http.StatusOK {
		t.Fatalf("openapi: status = %d", w.Code)
	}
	if !strings.HasPrefix(w.Body.String(), "openapi: 3.0.3") {
		t.Errorf("openapi document = %.40q", w.Body.String())
	}
}

func TestStreamInterval(t *testing.T) {
	tests := []struct {
		fps  int
		want time.Duration
	}{
		{0, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
		{30, time.Second / 60},
		{1000, 5 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := streamInterval(tt.fps); got != tt.want {
			t.Errorf("streamInterval(%d) = %v, want %v", tt.fps, got, tt.want)
		}
	}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, platform := newTestServer(t, 0)
	srv.config.Camera.AutoStart = true

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)
	if st := srv.Source().State(); st != camera.StateRunning {
		t.Errorf("state after auto start = %s, want running", st)
	}

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}

	if n := platform.OpenDevices(); n != 0 {
		t.Errorf("open devices after shutdown = %d, want 0", n)
	}
}

func TestServerShutdown_WithLiveStream(t *testing.T) {
	srv, platform := newTestServer(t, 50)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗しました: %v", err)
	}
	serveCh := make(chan error, 1)
	go func() {
		serveCh <- srv.httpServer.Serve(ln)
	}()

	startCapture(t, srv.Handler())

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/stream")
	if err != nil {
		t.Fatalf("リクエストに失敗しました: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	// 配信が始まっていることを確認してから停止する
	if _, err := multipart.NewReader(resp.Body, "frame").NextPart(); err != nil {
		t.Fatalf("パートの読み込みに失敗しました: %v", err)
	}

	start := time.Now()
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("シャットダウンでエラーが発生しました: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v, want < 2s", elapsed)
	}

	select {
	case err := <-serveCh:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("serve returned %v, want ErrServerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serveが終了しませんでした")
	}
	if n := platform.OpenDevices(); n != 0 {
		t.Errorf("open devices after shutdown = %d, want 0", n)
	}
	if st := srv.Source().State(); st == camera.StateRunning {
		t.Errorf("state after shutdown = %s", st)
	}
}

func TestServerStart_ListenFailureReleasesCamera(t *testing.T) {
	srv, platform := newTestServer(t, 0)
	srv.config.Camera.AutoStart = true

	// 使用中のポートを指定して起動を失敗させる
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗しました: %v", err)
	}
	defer busy.Close()
	srv.httpServer.Addr = busy.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("使用中のポートでエラーになりませんでした")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Startが戻りませんでした")
	}

	if n := platform.OpenDevices(); n != 0 {
		t.Errorf("open devices after listen failure = %d, want 0", n)
	}
	if st := srv.Source().State(); st == camera.StateRunning {
		t.Errorf("state after listen failure = %s", st)
	}
}
