package cmd

import (
	"bytes"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const mockConfig = `
camera:
  driver: mock
  width: 64
  height: 48
  fps: 50
  mock:
    back: true
    front: false
    format: yuyv
logging:
  level: error
  format: text
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(mockConfig), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestProbe(t *testing.T) {
	out, err := run(t, "probe", "--config", writeConfig(t))
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	for _, want := range []string{"driver: mock", "back:   true", "front:  false", "モック背面カメラ"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestProbe_UnknownDriver(t *testing.T) {
	if _, err := run(t, "probe", "--config", writeConfig(t), "--driver", "nope"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestSnapshot(t *testing.T) {
	output := filepath.Join(t.TempDir(), "shot.jpg")
	out, err := run(t, "snapshot", "--config", writeConfig(t), "-o", output, "--width", "32", "--timeout", "5s")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !strings.Contains(out, "64x48 yuyv") {
		t.Errorf("unexpected output: %s", out)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("出力ファイルが開けません: %v", err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatalf("JPEGのデコードに失敗しました: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 24 {
		t.Errorf("size = %dx%d, want 32x24", cfg.Width, cfg.Height)
	}
}

func TestSnapshot_MissingFacing(t *testing.T) {
	output := filepath.Join(t.TempDir(), "shot.jpg")
	_, err := run(t, "snapshot", "--config", writeConfig(t), "-o", output, "--facing", "front", "--timeout", "1s")
	if err == nil {
		t.Fatal("expected error when the front camera is missing")
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Errorf("output file should not exist: %v", statErr)
	}
}

func TestSnapshot_InvalidFacing(t *testing.T) {
	if _, err := run(t, "snapshot", "--config", writeConfig(t), "--facing", "side"); err == nil {
		t.Error("expected error for invalid facing")
	}
}
