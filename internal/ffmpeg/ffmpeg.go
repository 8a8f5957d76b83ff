// Package ffmpeg decodes video through ffprobe and ffmpeg subprocesses. Frames
// are streamed as raw RGB24 over a pipe so nothing is written to disk.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/frameagent/frameagent/internal/frames"
	"github.com/frameagent/frameagent/internal/logging"
)

const (
	maxStderrBytes      = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	defaultProbeTimeout = 30 * time.Second
)

// Config holds the decoder's configuration.
type Config struct {
	FFmpegPath   string // empty = look up "ffmpeg" on PATH
	FFprobePath  string // empty = look up "ffprobe" on PATH
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// ProbeResult describes the first video stream of a file.
type ProbeResult struct {
	Width     int
	Height    int
	Codec     string
	FrameRate float64
	Duration  float64
	NumFrames int // 0 when the container does not report it
	Rotation  int // display rotation in degrees, normalized to [0, 360)
}

// OutputSize is the frame size ffmpeg emits. ffmpeg applies the display
// rotation while decoding, so quarter turns swap width and height.
func (p *ProbeResult) OutputSize() (width, height int) {
	if p.Rotation == 90 || p.Rotation == 270 {
		return p.Height, p.Width
	}
	return p.Width, p.Height
}

// Decoder is the production frames.Decoder backed by ffmpeg.
type Decoder struct {
	ffmpeg       string
	ffprobe      string
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New resolves the ffmpeg and ffprobe binaries.
func New(cfg Config) (*Decoder, error) {
	ffmpegBin, err := resolveBinary(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobeBin, err := resolveBinary(cfg.FFprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "ffmpeg")
	logger.Info("decoder initialised", "ffmpeg", ffmpegBin, "ffprobe", ffprobeBin)

	return &Decoder{
		ffmpeg:       ffmpegBin,
		ffprobe:      ffprobeBin,
		probeTimeout: timeout,
		logger:       logger,
	}, nil
}

// Version returns the first line of `ffmpeg -version`.
func (d *Decoder) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.ffmpeg, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Probe reads stream metadata for the first video stream of path.
func (d *Decoder) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", frames.ErrOpen, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_streams",
		"-of", "json",
		path,
	)
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe failed: %v: %s", frames.ErrOpen, err, truncate(stderr.String(), 512))
	}
	return parseProbe(out)
}

// Open starts an ffmpeg process decoding the first video stream of path and
// returns a reader over its frames. The caller must Close the reader.
func (d *Decoder) Open(ctx context.Context, path string) (frames.FrameReader, error) {
	probe, err := d.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.ffmpeg,
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-vsync", "0",
		"-",
	)
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", frames.ErrOpen, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", frames.ErrOpen, err)
	}

	width, height := probe.OutputSize()
	d.logger.Debug("decoding video",
		"path", logging.SanitizePath(path),
		"width", width,
		"height", height,
		"rotation", probe.Rotation,
		"codec", probe.Codec,
		"frames", probe.NumFrames,
	)

	s := newStream(stdout, width, height)
	s.wait = func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("ffmpeg exited: %w: %s", err, truncate(stderr.String(), 512))
		}
		return nil
	}
	s.kill = func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
	return s, nil
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType    string          `json:"codec_type"`
	CodecName    string          `json:"codec_name"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	AvgFrameRate string          `json:"avg_frame_rate"`
	Duration     string          `json:"duration"`
	NumFrames    string          `json:"nb_frames"`
	Tags         probeTags       `json:"tags"`
	SideDataList []probeSideData `json:"side_data_list"`
}

type probeTags struct {
	Rotate string `json:"rotate"`
}

type probeSideData struct {
	Rotation *float64 `json:"rotation"`
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: cannot parse ffprobe JSON: %v", frames.ErrOpen, err)
	}
	for _, st := range out.Streams {
		if st.CodecType != "" && st.CodecType != "video" {
			continue
		}
		if st.Width <= 0 || st.Height <= 0 {
			return nil, fmt.Errorf("%w: video stream has no dimensions", frames.ErrOpen)
		}
		res := &ProbeResult{
			Width:     st.Width,
			Height:    st.Height,
			Codec:     st.CodecName,
			FrameRate: parseRate(st.AvgFrameRate),
		}
		res.Duration, _ = strconv.ParseFloat(st.Duration, 64)
		res.NumFrames, _ = strconv.Atoi(st.NumFrames)

		// Newer ffprobe reports the display matrix as side data; older
		// builds expose it as a rotate tag.
		rotation, _ := strconv.Atoi(st.Tags.Rotate)
		for _, sd := range st.SideDataList {
			if sd.Rotation != nil {
				rotation = int(*sd.Rotation)
				break
			}
		}
		res.Rotation = normalizeRotation(rotation)
		return res, nil
	}
	return nil, fmt.Errorf("%w: no video stream", frames.ErrOpen)
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// parseRate converts an ffprobe rational such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// resolveBinary finds an executable, preferring the configured path.
func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found", name, preferred)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("no %s binary found on PATH: %w", name, err)
	}
	return p, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}

var _ io.Writer = (*limitedWriter)(nil)
