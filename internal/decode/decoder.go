// Package decode turns raw image bytes into decoded, optionally scaled images.
package decode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/pixhub/pixhub/internal/cache"
)

const headerPeekSize = 64 * 1024

// Decoder 将原始字节解码为图片，并按策略缩放到目标尺寸。
type Decoder interface {
	Decode(ctx context.Context, r io.Reader, width, height int, policy cache.ScalePolicy) (*cache.Image, error)
}

// StdDecoder 基于标准库 image 注册表解码，缩放使用 x/image/draw。
type StdDecoder struct {
	// MaxPixels 限制源图像素总数，防止解码炸弹；<=0 表示不限。
	MaxPixels int64
	// Scaler 默认为 draw.CatmullRom。
	Scaler draw.Scaler
}

// NewStdDecoder returns a decoder with CatmullRom scaling.
func NewStdDecoder(maxPixels int64) *StdDecoder {
	return &StdDecoder{MaxPixels: maxPixels, Scaler: draw.CatmullRom}
}

func (d *StdDecoder) Decode(ctx context.Context, r io.Reader, width, height int, policy cache.ScalePolicy) (*cache.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(r, headerPeekSize)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty input", cache.ErrDecodeFailed)
		}
		return nil, fmt.Errorf("%w: %v", cache.ErrIOFailure, err)
	}

	var input io.Reader = br
	if d.MaxPixels > 0 {
		// 尺寸头可能位于任意深度（如 jpeg 的大段 APPn 之后），读取完整输入再检查；
		// 输入大小已由 fetcher 的 MaxBytes 约束。
		raw, err := io.ReadAll(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cache.ErrIOFailure, err)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cache.ErrDecodeFailed, err)
		}
		if err := d.checkPixels(cfg.Width, cfg.Height); err != nil {
			return nil, err
		}
		input = bytes.NewReader(raw)
	}

	src, format, err := image.Decode(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cache.ErrDecodeFailed, err)
	}
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image bounds %v", cache.ErrDecodeFailed, bounds)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tw, th := TargetSize(bounds.Dx(), bounds.Dy(), width, height, policy)
	if tw == bounds.Dx() && th == bounds.Dy() {
		return cache.NewImage(src, format), nil
	}
	// 放大后的输出同样受像素上限约束。
	if err := d.checkPixels(tw, th); err != nil {
		return nil, err
	}

	scaler := d.Scaler
	if scaler == nil {
		scaler = draw.CatmullRom
	}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	scaler.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return cache.NewImage(dst, format), nil
}

func (d *StdDecoder) checkPixels(width, height int) error {
	if d.MaxPixels > 0 && int64(width)*int64(height) > d.MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds pixel limit %d", cache.ErrDecodeFailed, width, height, d.MaxPixels)
	}
	return nil
}

// TargetSize 计算缩放后的尺寸。Original 返回源尺寸；ScaleFit 等比缩小到目标框内，
// 不放大；ScaleFitUpsample 允许放大。目标宽或高为 0 表示该维度不受约束，
// 两者都为 0 时使用源尺寸。
func TargetSize(srcW, srcH, width, height int, policy cache.ScalePolicy) (int, int) {
	if policy == cache.Original || (width <= 0 && height <= 0) {
		return srcW, srcH
	}

	factor := math.Inf(1)
	if width > 0 {
		factor = float64(width) / float64(srcW)
	}
	if height > 0 {
		factor = math.Min(factor, float64(height)/float64(srcH))
	}
	if factor >= 1 && policy != cache.ScaleFitUpsample {
		return srcW, srcH
	}

	tw := fitDimension(srcW, factor, width)
	th := fitDimension(srcH, factor, height)
	return tw, th
}

func fitDimension(src int, factor float64, limit int) int {
	v := int(math.Round(float64(src) * factor))
	if limit > 0 && v > limit {
		v = limit
	}
	if v < 1 {
		v = 1
	}
	return v
}
