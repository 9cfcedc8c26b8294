package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Decoder turns a playable stream URL into a sequence of JPEG frames.
// Decode blocks until the stream ends, fails, or ctx is cancelled.
type Decoder interface {
	Decode(ctx context.Context, url string, frame func(jpeg []byte)) error
}

// ErrStreamEnded is returned when the decoder exits without an error.
var ErrStreamEnded = errors.New("stream ended")

// FFmpegDecoder pipes the stream through ffmpeg as MJPEG.
type FFmpegDecoder struct {
	Path string
	FPS  int
	Log  zerolog.Logger
}

// NewFFmpegDecoder creates a decoder running the ffmpeg binary at path.
func NewFFmpegDecoder(path string, fps int, log zerolog.Logger) *FFmpegDecoder {
	return &FFmpegDecoder{Path: path, FPS: fps, Log: log}
}

func (d *FFmpegDecoder) args(url string) []string {
	return []string{
		"-loglevel", "error",
		"-i", url,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", strconv.Itoa(d.FPS),
		"-q:v", "5",
		"-",
	}
}

// Decode runs ffmpeg until it exits or ctx is cancelled.
func (d *FFmpegDecoder) Decode(ctx context.Context, url string, frame func([]byte)) error {
	cmd := exec.CommandContext(ctx, d.Path, d.args(url)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	d.Log.Debug().Str("url", url).Int("pid", cmd.Process.Pid).Msg("ffmpeg started")

	tail := &lastLines{max: 5}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			tail.add(scanner.Text())
		}
	}()

	readErr := readFrames(stdout, frame)
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w (stderr: %s)", waitErr, tail.String())
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return fmt.Errorf("failed to read frames: %w", readErr)
	}
	return ErrStreamEnded
}

// readFrames splits an MJPEG byte stream into JPEG images.
func readFrames(r io.Reader, frame func([]byte)) error {
	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for {
				f := extractJPEGFrame(&buffer)
				if f == nil {
					break
				}
				frame(f)
			}
		}
		if err != nil {
			return err
		}
	}
}

// extractJPEGFrame removes the first complete JPEG (FFD8 ... FFD9) from
// buffer and returns it, or nil if none is complete yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	start := -1
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			start = i
			break
		}
	}
	if start == -1 {
		// Keep a trailing 0xFF, it may start the next marker.
		if buf[len(buf)-1] == 0xFF {
			*buffer = buf[len(buf)-1:]
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := -1
	for i := start + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			end = i + 2
			break
		}
	}
	if end == -1 {
		return nil
	}

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = buf[end:]
	return frame
}

type lastLines struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (l *lastLines) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
	if len(l.lines) > l.max {
		l.lines = l.lines[len(l.lines)-l.max:]
	}
}

func (l *lastLines) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "; ")
}
