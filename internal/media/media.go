// Package media wraps the external codec tooling (ffmpeg/ffprobe) used to
// turn the detector's webm output into the served mp4, count frames and cut
// thumbnails. The tools are invoked by path; nothing here parses video.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
)

// FramesPerSecond is the detector capture rate, used to derive durations.
const FramesPerSecond = 30

// Processor shells out to the codec tools for one output directory.
type Processor struct {
	OutputPath string
	Logger     logging.Logger
}

// OutputFile is the on-disk path of a recording's processed media.
func (p *Processor) OutputFile(id string) string {
	return filepath.Join(p.OutputPath, id+".mp4")
}

// Transcode re-encodes the detector's stream into the recording's mp4 file.
func (p *Processor) Transcode(ctx context.Context, id string, src io.Reader) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-i", "-", "-c:v", "libx264", p.OutputFile(id))
	cmd.Stdin = src

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.Logger.WithField("stderr", stderr.String()).Error("ffmpeg transcode failed")
		return fmt.Errorf("transcoding %s: %w", id, err)
	}
	return nil
}

// FrameCount asks ffprobe for the processed file's frame count.
func (p *Processor) FrameCount(ctx context.Context, id string) (int, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_frames",
		"-of", "default=nokey=1:noprint_wrappers=1",
		p.OutputFile(id),
	).Output()
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", id, err)
	}

	frames, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parsing frame count for %s: %w", id, err)
	}
	return frames, nil
}

// Thumbnail extracts a scaled JPEG from the middle of the recording.
func (p *Processor) Thumbnail(ctx context.Context, id string, frameCount int) ([]byte, error) {
	if frameCount <= 0 {
		var err error
		frameCount, err = p.FrameCount(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	frameCount += frameCount % 2
	middleFrame := frameCount / 2

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", p.OutputFile(id),
		"-f", "mjpeg",
		"-vf", fmt.Sprintf("select=gte(n\\,%d),scale=1080:-1", middleFrame),
		"-vframes", "1",
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.Logger.WithField("stderr", stderr.String()).Error("ffmpeg thumbnail failed")
		return nil, fmt.Errorf("generating thumbnail for %s: %w", id, err)
	}
	return stdout.Bytes(), nil
}
