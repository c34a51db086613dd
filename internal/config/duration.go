package config

import (
	"fmt"
	"time"
)

// Duration は"10s"のような文字列で設定できる時間
type Duration time.Duration

// UnmarshalText はtime.ParseDurationの形式を解析する
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("無効な時間: %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText はtime.Durationの文字列表現を返す
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std はtime.Durationに変換する
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
