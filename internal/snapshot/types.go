package snapshot

import (
	"time"
)

// Config はスナップショット記録の設定
type Config struct {
	Enabled   bool          // 有効/無効
	Interval  time.Duration // 撮影間隔 (デフォルト: 10秒)
	OutputDir string        // 保存先ディレクトリ
	MaxFiles  int           // 保持する最大ファイル数
	MaxWidth  int           // 縮小後の最大幅（0で縮小しない）
	Quality   int           // JPEG品質 (1-100)
}

// Snapshot は保存済みスナップショットの情報
type Snapshot struct {
	FilePath string    `json:"file_path"` // ファイルパス
	FileSize int64     `json:"file_size"` // ファイルサイズ
	Date     time.Time `json:"date"`      // 保存時刻
}

// Status は記録の現在状態
type Status struct {
	Running      bool      `json:"running"`
	LastSequence uint64    `json:"last_sequence"`
	LastFile     string    `json:"last_file,omitempty"`
	LastCapture  time.Time `json:"last_capture"`
	Saved        int       `json:"saved"`   // 起動後に保存した枚数
	Skipped      int       `json:"skipped"` // 新しいフレームがなく見送った回数
}

// DefaultConfig はデフォルトの設定を返す
func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		Interval:  10 * time.Second,
		OutputDir: "snapshots",
		MaxFiles:  100,
		MaxWidth:  0,
		Quality:   85,
	}
}
