// Package pipeline spawns the external fetch and transcode processes that turn
// a media URI into raw PCM.
//
// A [Stream] chains two OS processes through an anonymous pipe:
//
//	yt-dlp [extra...] -f bestaudio -o - --no-playlist <uri>
//	  | ffmpeg -loglevel error -i pipe:0 -f s16le -ar 48000 -ac 2 pipe:1
//
// Reading from the Stream yields interleaved signed 16-bit little-endian
// stereo PCM at 48 kHz with no container framing. Both processes are bound to
// a context; cancelling it (or calling [Stream.Close]) sends SIGTERM and
// force-kills whatever is still alive after [Config.KillTimeout].
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/voxstream/pkg/audio"
)

// Default tool settings.
const (
	DefaultYtDlp       = "yt-dlp"
	DefaultFFmpeg      = "ffmpeg"
	DefaultKillTimeout = 2 * time.Second
	defaultStderrLimit = 8 << 10
)

// Config configures a [Pipeline].
type Config struct {
	// YtDlpPath is the fetcher executable. Default: "yt-dlp".
	YtDlpPath string

	// FFmpegPath is the transcoder executable. Default: "ffmpeg".
	FFmpegPath string

	// YtDlpArgs are passed to the fetcher before the fixed arguments, e.g.
	// "--cookies", "/etc/voxstream/cookies.txt".
	YtDlpArgs []string

	// KillTimeout is how long a terminated process may take to exit before it
	// is killed. Default: 2s.
	KillTimeout time.Duration

	// StderrLimit caps how many trailing bytes of each process's stderr are
	// kept for error messages. Default: 8 KiB.
	StderrLimit int
}

// Pipeline starts [Stream]s. It is stateless and safe for concurrent use.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline with defaults applied.
func New(cfg Config) *Pipeline {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = DefaultYtDlp
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = DefaultFFmpeg
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = defaultStderrLimit
	}
	return &Pipeline{cfg: cfg}
}

// FetchArgs returns the fetcher arguments for uri.
func (p *Pipeline) FetchArgs(uri string) []string {
	args := append([]string{}, p.cfg.YtDlpArgs...)
	return append(args, "-f", "bestaudio", "-o", "-", "--no-playlist", uri)
}

// TranscodeArgs returns the transcoder arguments.
func (p *Pipeline) TranscodeArgs() []string {
	return []string{
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"pipe:1",
	}
}

// Start launches both processes for uri. The returned stream must be closed.
func (p *Pipeline) Start(ctx context.Context, uri string) (io.ReadCloser, error) {
	return p.StartStream(ctx, uri)
}

// StartStream is like [Pipeline.Start] but returns the concrete type.
func (p *Pipeline) StartStream(ctx context.Context, uri string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	s := &Stream{
		uri:             uri,
		ctx:             ctx,
		cancel:          cancel,
		fetchStderr:     newTailBuffer(p.cfg.StderrLimit),
		transcodeStderr: newTailBuffer(p.cfg.StderrLimit),
	}
	s.fetcher = p.command(ctx, p.cfg.YtDlpPath, p.FetchArgs(uri), s.fetchStderr)
	s.transcoder = p.command(ctx, p.cfg.FFmpegPath, p.TranscodeArgs(), s.transcodeStderr)

	pr, pw, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pipeline: create pipe: %w", err)
	}
	s.fetcher.Stdout = pw
	s.transcoder.Stdin = pr

	stdout, err := s.transcoder.StdoutPipe()
	if err != nil {
		cancel()
		closeAll(pr, pw)
		return nil, fmt.Errorf("pipeline: transcoder stdout: %w", err)
	}
	s.stdout = stdout

	if err := s.transcoder.Start(); err != nil {
		cancel()
		closeAll(pr, pw)
		return nil, fmt.Errorf("pipeline: start %s: %w", p.cfg.FFmpegPath, err)
	}
	if err := s.fetcher.Start(); err != nil {
		cancel()
		closeAll(pr, pw)
		_ = s.transcoder.Wait()
		return nil, fmt.Errorf("pipeline: start %s: %w", p.cfg.YtDlpPath, err)
	}
	// The children hold their own copies of the pipe ends. Closing ours lets
	// the transcoder see EOF once the fetcher exits.
	closeAll(pr, pw)

	slog.Debug("pipeline: started",
		"uri", uri,
		"fetcher_pid", s.fetcher.Process.Pid,
		"transcoder_pid", s.transcoder.Process.Pid,
	)
	return s, nil
}

func (p *Pipeline) command(ctx context.Context, name string, args []string, stderr io.Writer) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.cfg.KillTimeout
	return cmd
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// Stream is a running fetch → transcode chain. Read and Close may be called
// from different goroutines; Read itself is not safe for concurrent use.
type Stream struct {
	uri        string
	ctx        context.Context
	cancel     context.CancelFunc
	fetcher    *exec.Cmd
	transcoder *exec.Cmd
	stdout     io.ReadCloser

	fetchStderr     *tailBuffer
	transcodeStderr *tailBuffer

	waitOnce sync.Once
	waitErr  error
}

// Read reads transcoded PCM.
func (s *Stream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Wait blocks until both processes exit on their own and reports a non-zero
// exit of either, including the tail of its stderr. Call it after Read
// returned io.EOF. Wait returns nil when the stream was closed first.
func (s *Stream) Wait() error {
	s.waitOnce.Do(func() {
		transcodeErr := s.transcoder.Wait()
		fetchErr := s.fetcher.Wait()
		interrupted := s.ctx.Err() != nil
		s.cancel()
		if interrupted {
			return
		}

		var errs []error
		if fetchErr != nil {
			errs = append(errs, fmt.Errorf("fetcher: %w%s", fetchErr, s.fetchStderr.suffix()))
		}
		if transcodeErr != nil {
			errs = append(errs, fmt.Errorf("transcoder: %w%s", transcodeErr, s.transcodeStderr.suffix()))
		}
		if len(errs) > 0 {
			s.waitErr = fmt.Errorf("pipeline: %s: %w", s.uri, errors.Join(errs...))
		}
	})
	return s.waitErr
}

// Close terminates both processes (SIGTERM, then kill after the configured
// timeout) and releases all resources. It is idempotent.
func (s *Stream) Close() error {
	s.cancel()
	return s.Wait()
}

// Stderr returns the captured stderr tails of the fetcher and the transcoder.
func (s *Stream) Stderr() (fetcher, transcoder string) {
	return s.fetchStderr.String(), s.transcodeStderr.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

func (t *tailBuffer) suffix() string {
	if s := t.String(); s != "" {
		return ": " + s
	}
	return ""
}
