package assembly

import (
	"context"
	"fmt"
	"os/exec"
)

// Encoding defaults.
const (
	defaultFFmpegBinary = "ffmpeg"
	defaultAACBitrate   = "128k"
)

// FFmpegEncoder implements core.Encoder by shelling out to ffmpeg to
// produce the compressed review deliverable from the lossless master.
type FFmpegEncoder struct {
	binaryPath string
	bitrate    string
}

// NewFFmpegEncoder creates an encoder. Empty arguments select the defaults
// (the "ffmpeg" binary from PATH, 128k AAC).
func NewFFmpegEncoder(binaryPath, bitrate string) *FFmpegEncoder {
	if binaryPath == "" {
		binaryPath = defaultFFmpegBinary
	}

	if bitrate == "" {
		bitrate = defaultAACBitrate
	}

	return &FFmpegEncoder{binaryPath: binaryPath, bitrate: bitrate}
}

// Encode transcodes masterPath into an AAC deliverable at outputPath,
// overwriting any previous deliverable for the same assembly.
func (e *FFmpegEncoder) Encode(ctx context.Context, masterPath, outputPath string) error {
	cmd := exec.CommandContext(
		ctx,
		e.binaryPath,
		"-y",
		"-i", masterPath,
		"-c:a", "aac",
		"-b:a", e.bitrate,
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w: %s", err, string(output))
	}

	return nil
}
