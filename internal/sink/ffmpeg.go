package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// FFmpegConfig describes how the encoder reads PCM and where it publishes.
type FFmpegConfig struct {
	// Path is the ffmpeg executable, resolved through PATH when it has no
	// separator. Default: "ffmpeg".
	Path string

	// Input is the raw PCM format written to stdin.
	Input audio.Format

	// Bitrate is the MP3 bitrate passed to -b:a. Default: "132k".
	Bitrate string

	Server     string
	Port       int
	Username   string
	Password   string
	MountPoint string
}

// URL returns the icecast:// publish URL including credentials.
func (c FFmpegConfig) URL() *url.URL {
	mount := c.MountPoint
	if len(mount) == 0 || mount[0] != '/' {
		mount = "/" + mount
	}
	return &url.URL{
		Scheme: "icecast",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Server, strconv.Itoa(c.Port)),
		Path:   mount,
	}
}

// Args returns the ffmpeg argument list: s16le PCM from stdin, MP3 out to
// the Icecast mount.
func (c FFmpegConfig) Args() []string {
	bitrate := c.Bitrate
	if bitrate == "" {
		bitrate = "132k"
	}
	return []string{
		"-re",
		"-hide_banner",
		"-f", "s16le",
		"-ar", strconv.Itoa(c.Input.SampleRate),
		"-ac", strconv.Itoa(c.Input.Channels),
		"-i", "pipe:",
		"-codec", "libmp3lame",
		"-f", "mp3",
		"-ac", "2",
		"-legacy_icecast", "1",
		"-sample_fmt", "fltp",
		"-content_type", "audio/mpeg",
		"-b:a", bitrate,
		c.URL().String(),
	}
}

// FFmpegLauncher launches ffmpeg encoder processes.
type FFmpegLauncher struct {
	path string
	cfg  FFmpegConfig
}

// NewFFmpegLauncher resolves the ffmpeg executable and returns a launcher.
func NewFFmpegLauncher(cfg FFmpegConfig) (*FFmpegLauncher, error) {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sink: ffmpeg not found: %w", err)
	}
	return &FFmpegLauncher{path: path, cfg: cfg}, nil
}

// Launch starts one ffmpeg process. The process is not bound to ctx; it
// lives until its input is closed or it is killed.
func (l *FFmpegLauncher) Launch(ctx context.Context) (Process, error) {
	args := l.cfg.Args()
	cmd := exec.Command(l.path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sink: stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sink: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sink: start ffmpeg: %w", err)
	}

	slog.InfoContext(ctx, "sink: ffmpeg launched",
		"pid", cmd.Process.Pid,
		"url", l.cfg.URL().Redacted(),
		"input", l.cfg.Input.String(),
	)

	p := &ffmpegProcess{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go p.wait(stderr)
	return p, nil
}

// ffmpegProcess adapts an *exec.Cmd to [Process].
type ffmpegProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (p *ffmpegProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *ffmpegProcess) CloseInput() error {
	p.closeOnce.Do(func() { p.closeErr = p.stdin.Close() })
	return p.closeErr
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wait forwards stderr to the debug log, then reaps the process. Stderr must
// be drained before Wait.
func (p *ffmpegProcess) wait(stderr io.Reader) {
	defer close(p.done)

	pid := p.cmd.Process.Pid
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		slog.Debug("ffmpeg", "pid", pid, "line", sc.Text())
	}

	err := p.cmd.Wait()
	if err != nil {
		slog.Warn("sink: ffmpeg exited", "pid", pid, "err", err)
		return
	}
	slog.Info("sink: ffmpeg exited", "pid", pid)
}
