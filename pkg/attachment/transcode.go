// Copyright 2024-2026 Aiku AI

package attachment

import (
	"context"

	"go.mau.fi/util/ffmpeg"
)

// Transcoder converts media between container formats.
type Transcoder interface {
	Supported() bool
	Convert(ctx context.Context, data []byte, outExt string, inArgs, outArgs []string, inMime string) ([]byte, error)
}

// FFmpeg transcodes with the ffmpeg binary found in PATH.
type FFmpeg struct{}

func (FFmpeg) Supported() bool {
	return ffmpeg.Supported()
}

func (FFmpeg) Convert(ctx context.Context, data []byte, outExt string, inArgs, outArgs []string, inMime string) ([]byte, error) {
	return ffmpeg.ConvertBytes(ctx, data, outExt, inArgs, outArgs, inMime)
}

// noTranscoder is used when transcoding is disabled.
type noTranscoder struct{}

func (noTranscoder) Supported() bool { return false }

func (noTranscoder) Convert(context.Context, []byte, string, []string, []string, string) ([]byte, error) {
	return nil, errTranscodeUnsupported
}
