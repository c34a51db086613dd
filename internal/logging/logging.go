// Package logging はslogのロガーを設定から組み立てる
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// 出力形式
const (
	FormatAuto = "auto" // 端末ならtext、それ以外はjson
	FormatText = "text"
	FormatJSON = "json"
)

// Config はログ出力の設定
type Config struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // auto, text, json
}

// DefaultConfig はデフォルトの設定を返す
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatAuto,
	}
}

// ParseLevel は文字列からログレベルを取得する
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("無効なログレベル: %q", level)
	}
}

// New はwに出力するロガーを作成する
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch resolveFormat(cfg.Format, w) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("無効なログ形式: %q", cfg.Format)
	}
}

// Setup は標準エラー出力へのロガーを作成してデフォルトに設定する
func Setup(cfg Config) (*slog.Logger, error) {
	logger, err := New(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// resolveFormat はautoを出力先に応じてtextかjsonに解決する
func resolveFormat(format string, w io.Writer) string {
	switch strings.ToLower(format) {
	case "", FormatAuto:
		if isTerminal(w) {
			return FormatText
		}
		return FormatJSON
	default:
		return strings.ToLower(format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
