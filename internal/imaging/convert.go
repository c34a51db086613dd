// Package imaging はプレビューフレームの画像変換を行う
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"golang.org/x/image/draw"

	"previewcam/internal/camera"
)

// DefaultQuality はJPEGエンコードのデフォルト品質
const DefaultQuality = 85

// ErrShortFrame はフレームのサイズが幅・高さに足りない場合のエラー
var ErrShortFrame = errors.New("フレームのサイズが不足しています")

// ToImage はプレビューフレームをimage.Imageに変換する
//
// NV21とYUYVは入力バッファを参照せず新しい画像を確保する。RGBAはdataをそのまま参照する。
func ToImage(data []byte, width, height int, format camera.PixelFormat) (image.Image, error) {
	if format != camera.PixelFormatMJPEG && (width <= 0 || height <= 0) {
		return nil, fmt.Errorf("無効なサイズ: %dx%d", width, height)
	}

	switch format {
	case camera.PixelFormatNV21:
		return nv21ToImage(data, width, height)
	case camera.PixelFormatYUYV:
		return yuyvToImage(data, width, height)
	case camera.PixelFormatRGBA:
		if len(data) < width*height*4 {
			return nil, fmt.Errorf("rgba: %w", ErrShortFrame)
		}
		return &image.RGBA{
			Pix:    data[:width*height*4],
			Stride: width * 4,
			Rect:   image.Rect(0, 0, width, height),
		}, nil
	case camera.PixelFormatMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("JPEGのデコードに失敗: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("未対応のフォーマット: %q", format)
	}
}

// nv21ToImage はY平面の後にV,Uがインターリーブされた4:2:0フレームを変換する
func nv21ToImage(data []byte, width, height int) (image.Image, error) {
	cw, ch := (width+1)/2, (height+1)/2
	ySize := width * height
	if len(data) < ySize+cw*ch*2 {
		return nil, fmt.Errorf("nv21: %w", ErrShortFrame)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	for y := 0; y < height; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+width], data[y*width:(y+1)*width])
	}

	vu := data[ySize:]
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			i := (y*cw + x) * 2
			off := y*img.CStride + x
			img.Cr[off] = vu[i]
			img.Cb[off] = vu[i+1]
		}
	}
	return img, nil
}

// yuyvToImage はY0 U Y1 Vの順に並んだ4:2:2フレームを変換する
func yuyvToImage(data []byte, width, height int) (image.Image, error) {
	if width%2 != 0 {
		return nil, fmt.Errorf("yuyv: 幅は偶数である必要があります: %d", width)
	}
	if len(data) < width*height*2 {
		return nil, fmt.Errorf("yuyv: %w", ErrShortFrame)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := data[y*width*2 : (y+1)*width*2]
		for x := 0; x < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			off := y*img.CStride + x/2
			img.Cb[off] = row[i+1]
			img.Cr[off] = row[i+3]
		}
	}
	return img, nil
}

// Scale は幅がmaxWidthを超える画像をアスペクト比を保って縮小する
//
// maxWidthが0以下、または画像が既に収まっている場合はimgをそのまま返す。
func Scale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}

	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG は画像をJPEGとしてwに書き出す。範囲外の品質はDefaultQualityになる
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("JPEGのエンコードに失敗: %w", err)
	}
	return nil
}

// FrameToJPEG はフレームをJPEGに変換する
//
// MJPEGフレームで縮小が不要な場合は再エンコードせずそのまま返す。
func FrameToJPEG(frame camera.Frame, maxWidth, quality int) ([]byte, error) {
	if frame.Format == camera.PixelFormatMJPEG && (maxWidth <= 0 || (frame.Width > 0 && frame.Width <= maxWidth)) {
		return frame.Data, nil
	}

	img, err := ToImage(frame.Data, frame.Width, frame.Height, frame.Format)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, Scale(img, maxWidth), quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
