package media

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPlanes is the largest plane count of any supported layout.
const MaxPlanes = 4

var (
	// ErrUnknownFormat is returned for pixel format names this package does not know.
	ErrUnknownFormat = errors.New("unknown video format")
	// ErrNotVideo is returned when caps do not describe raw video.
	ErrNotVideo = errors.New("caps are not raw video")
	// ErrInvalidDimensions is returned for non-positive frame sizes.
	ErrInvalidDimensions = errors.New("invalid video dimensions")
)

// VideoFormat identifies a raw pixel layout.
type VideoFormat int

const (
	VideoFormatUnknown VideoFormat = iota
	VideoFormatI420
	VideoFormatYV12
	VideoFormatNV12
	VideoFormatNV21
	VideoFormatYUY2
	VideoFormatUYVY
	VideoFormatRGB
	VideoFormatBGR
	VideoFormatRGBA
	VideoFormatBGRA
	VideoFormatRGBx
	VideoFormatBGRx
	VideoFormatGRAY8
)

var videoFormatNames = map[VideoFormat]string{
	VideoFormatI420:  "I420",
	VideoFormatYV12:  "YV12",
	VideoFormatNV12:  "NV12",
	VideoFormatNV21:  "NV21",
	VideoFormatYUY2:  "YUY2",
	VideoFormatUYVY:  "UYVY",
	VideoFormatRGB:   "RGB",
	VideoFormatBGR:   "BGR",
	VideoFormatRGBA:  "RGBA",
	VideoFormatBGRA:  "BGRA",
	VideoFormatRGBx:  "RGBx",
	VideoFormatBGRx:  "BGRx",
	VideoFormatGRAY8: "GRAY8",
}

func (f VideoFormat) String() string {
	if name, ok := videoFormatNames[f]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseVideoFormat maps a format name (case-insensitive) to a VideoFormat.
func ParseVideoFormat(name string) (VideoFormat, error) {
	for f, n := range videoFormatNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return VideoFormatUnknown, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// NPlanes returns the number of planes of the layout.
func (f VideoFormat) NPlanes() int {
	switch f {
	case VideoFormatI420, VideoFormatYV12:
		return 3
	case VideoFormatNV12, VideoFormatNV21:
		return 2
	case VideoFormatUnknown:
		return 0
	default:
		return 1
	}
}

// VideoInfo describes the default memory layout of a raw video frame.
type VideoInfo struct {
	Format  VideoFormat
	Width   int
	Height  int
	FPSN    int
	FPSD    int
	Size    int
	NPlanes int
	Offset  [MaxPlanes]int
	Stride  [MaxPlanes]int
}

func roundUp2(v int) int { return (v + 1) &^ 1 }
func roundUp4(v int) int { return (v + 3) &^ 3 }

// NewVideoInfo computes the default packed layout of a frame.
func NewVideoInfo(format VideoFormat, width, height int) (VideoInfo, error) {
	if width <= 0 || height <= 0 {
		return VideoInfo{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	info := VideoInfo{
		Format:  format,
		Width:   width,
		Height:  height,
		FPSN:    0,
		FPSD:    1,
		NPlanes: format.NPlanes(),
	}
	switch format {
	case VideoFormatI420, VideoFormatYV12:
		h := roundUp2(height)
		info.Stride[0] = roundUp4(width)
		info.Stride[1] = roundUp4(roundUp2(width) / 2)
		info.Stride[2] = info.Stride[1]
		info.Offset[1] = info.Stride[0] * h
		info.Offset[2] = info.Offset[1] + info.Stride[1]*(h/2)
		info.Size = info.Offset[2] + info.Stride[2]*(h/2)
	case VideoFormatNV12, VideoFormatNV21:
		h := roundUp2(height)
		info.Stride[0] = roundUp4(width)
		info.Stride[1] = info.Stride[0]
		info.Offset[1] = info.Stride[0] * h
		info.Size = info.Offset[1] + info.Stride[0]*(h/2)
	case VideoFormatYUY2, VideoFormatUYVY:
		info.Stride[0] = roundUp4(width * 2)
		info.Size = info.Stride[0] * height
	case VideoFormatRGB, VideoFormatBGR:
		info.Stride[0] = roundUp4(width * 3)
		info.Size = info.Stride[0] * height
	case VideoFormatRGBA, VideoFormatBGRA, VideoFormatRGBx, VideoFormatBGRx:
		info.Stride[0] = width * 4
		info.Size = info.Stride[0] * height
	case VideoFormatGRAY8:
		info.Stride[0] = roundUp4(width)
		info.Size = info.Stride[0] * height
	default:
		return VideoInfo{}, fmt.Errorf("%w: %v", ErrUnknownFormat, format)
	}
	return info, nil
}

// VideoInfoFromCaps parses raw video caps into a VideoInfo.
func VideoInfoFromCaps(caps *Caps) (VideoInfo, error) {
	if caps == nil || caps.MediaType != MediaTypeRawVideo {
		return VideoInfo{}, ErrNotVideo
	}
	name, ok := caps.Get("format")
	if !ok {
		return VideoInfo{}, fmt.Errorf("%w: format", ErrCapsField)
	}
	format, err := ParseVideoFormat(name)
	if err != nil {
		return VideoInfo{}, err
	}
	width, err := caps.Int("width")
	if err != nil {
		return VideoInfo{}, err
	}
	height, err := caps.Int("height")
	if err != nil {
		return VideoInfo{}, err
	}
	info, err := NewVideoInfo(format, width, height)
	if err != nil {
		return VideoInfo{}, err
	}
	if _, ok := caps.Get("framerate"); ok {
		if info.FPSN, info.FPSD, err = caps.Fraction("framerate"); err != nil {
			return VideoInfo{}, err
		}
	}
	return info, nil
}

// Caps renders the info back into raw video caps.
func (info VideoInfo) Caps() *Caps {
	c := NewCaps(MediaTypeRawVideo).
		Set("format", info.Format.String()).
		Set("width", info.Width).
		Set("height", info.Height)
	if info.FPSN > 0 {
		c.Set("framerate", fmt.Sprintf("%d/%d", info.FPSN, info.FPSD))
	}
	return c
}

// VideoMeta describes the actual plane layout of the frame stored in a buffer.
type VideoMeta struct {
	Format  VideoFormat
	Width   int
	Height  int
	NPlanes int
	Offset  [MaxPlanes]int
	Stride  [MaxPlanes]int
}

// VideoMetaFromInfo builds a meta with the default layout of info.
func VideoMetaFromInfo(info VideoInfo) VideoMeta {
	return VideoMeta{
		Format:  info.Format,
		Width:   info.Width,
		Height:  info.Height,
		NPlanes: info.NPlanes,
		Offset:  info.Offset,
		Stride:  info.Stride,
	}
}
