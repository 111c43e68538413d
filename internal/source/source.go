// Package source captures the upstream audio feed.
//
// An ffmpeg child process pulls the stream (typically Broadcastify or an
// Icecast relay), decodes it and writes raw signed 16-bit little-endian PCM
// to stdout at the configured rate and channel count. The Capture type wraps
// that pipe as an io.Reader; the pipeline supervises it and restarts a
// capture that dies or stalls.
package source

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dispatchwire/dispatchwire/pkg/audio"
)

// Config describes one capture process.
type Config struct {
	// URL is the stream address handed to ffmpeg.
	URL string

	// Format is the PCM output format requested from ffmpeg.
	Format audio.Format

	// FFmpegPath is the binary to launch. Empty means "ffmpeg" via PATH.
	FFmpegPath string
}

// stderrTail keeps the most recent stderr output of the child process so a
// crash can be reported with ffmpeg's own diagnostic.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

const stderrTailSize = 4096

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailSize {
		t.buf = t.buf[len(t.buf)-stderrTailSize:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// Capture is a running capture process. Read returns the PCM byte stream;
// when the process exits, Read returns io.EOF and Wait reports the exit
// error with the stderr tail attached.
type Capture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	tail   *stderrTail
}

// Args returns the ffmpeg argument list for cfg. Split out for testing.
func Args(cfg Config) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", cfg.URL,
		"-f", "s16le",
		"-ac", strconv.Itoa(cfg.Format.Channels),
		"-ar", strconv.Itoa(cfg.Format.SampleRate),
		"-",
	}
}

// Start launches the capture process. Cancelling ctx kills it.
func Start(ctx context.Context, cfg Config) (*Capture, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("source: stream url must not be empty")
	}
	bin := cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin, Args(cfg)...)
	// ffmpeg can fork helpers that inherit the stdout pipe; without a wait
	// delay, Wait would block until those grandchildren exit too.
	cmd.WaitDelay = 5 * time.Second
	tail := &stderrTail{}
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("source: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("source: start %s: %w", bin, err)
	}

	return &Capture{cmd: cmd, stdout: stdout, tail: tail}, nil
}

// Read implements io.Reader over the PCM output of the capture process.
func (c *Capture) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Wait blocks until the process exits and returns its exit status, with the
// last stderr output attached when the process failed.
func (c *Capture) Wait() error {
	err := c.cmd.Wait()
	if err == nil {
		return nil
	}
	if tail := c.tail.String(); tail != "" {
		return fmt.Errorf("source: capture exited: %w (stderr: %s)", err, tail)
	}
	return fmt.Errorf("source: capture exited: %w", err)
}

// Stop kills the process and reaps it. Safe to call after the process has
// already exited. Wait closes the stdout pipe once the process is gone, so
// surviving grandchildren cannot hold Stop open past the wait delay.
func (c *Capture) Stop() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}
