package camera

import (
	"sync/atomic"
)

// DiscardTexture は何も描画しないダミーの描画先
type DiscardTexture struct{}

// UpdateTexImage はフレームを破棄する
func (DiscardTexture) UpdateTexImage([]byte, int, int, PixelFormat) error {
	return nil
}

// TextureFunc は関数をPreviewTextureとして扱うためのアダプタ
type TextureFunc func(data []byte, width, height int, format PixelFormat) error

// UpdateTexImage はfを呼び出す
func (f TextureFunc) UpdateTexImage(data []byte, width, height int, format PixelFormat) error {
	return f(data, width, height, format)
}

// CountingTexture は描画回数を数えるだけの描画先
type CountingTexture struct {
	updates atomic.Uint64
}

// UpdateTexImage は描画回数を加算する
func (t *CountingTexture) UpdateTexImage([]byte, int, int, PixelFormat) error {
	t.updates.Add(1)
	return nil
}

// Updates はこれまでの描画回数を返す
func (t *CountingTexture) Updates() uint64 {
	return t.updates.Load()
}
