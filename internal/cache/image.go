package cache

import "image"

// Image 是解码（并按策略缩放）后的图片，内存层以它为值。
type Image struct {
	Pixels image.Image
	Width  int
	Height int
	// Format 为源数据格式，如 png/jpeg/gif/webp/bmp。
	Format string
}

// NewImage 从像素数据构造 Image，宽高取自 Bounds。
func NewImage(pixels image.Image, format string) *Image {
	b := pixels.Bounds()
	return &Image{
		Pixels: pixels,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: format,
	}
}

// SizeBytes 估算内存占用，按 RGBA 每像素 4 字节计。
func (img *Image) SizeBytes() int64 {
	if img == nil {
		return 0
	}
	return int64(img.Width) * int64(img.Height) * 4
}
