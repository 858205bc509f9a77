package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/streammux/internal/ffmpeg"
	"github.com/jmylchreest/streammux/internal/observability"
)

// TranscoderSpawner starts a transcoder subprocess that reads url and writes
// the stream to its stdout.
type TranscoderSpawner interface {
	Spawn(ctx context.Context, url string) (*TranscoderProcess, error)
}

// FFmpegSpawnerConfig configures the ffmpeg spawner.
type FFmpegSpawnerConfig struct {
	// BinaryPath is the configured ffmpeg binary. Empty means auto-detect.
	BinaryPath string
	// Args is the argument template; "{url}" is replaced with the upstream URL.
	Args []string
	// KillGrace is how long the process gets to exit after SIGINT before it is killed.
	KillGrace time.Duration
	// MaxStderrLines is how many recent stderr lines are kept for diagnostics.
	MaxStderrLines int
	// CleanURLs, when it reports true, replaces the upstream URL in stderr
	// lines with "url removed". It is checked at each spawn.
	CleanURLs func() bool
	Logger    *slog.Logger
}

// FFmpegSpawner runs ffmpeg (or any compatible binary) per upstream.
type FFmpegSpawner struct {
	config FFmpegSpawnerConfig
}

// NewFFmpegSpawner creates a spawner, filling unset config with defaults.
func NewFFmpegSpawner(config FFmpegSpawnerConfig) *FFmpegSpawner {
	if config.KillGrace <= 0 {
		config.KillGrace = DefaultTranscoderKillGrace
	}
	if config.MaxStderrLines <= 0 {
		config.MaxStderrLines = 50
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &FFmpegSpawner{config: config}
}

// Spawn starts the transcoder. The process is interrupted when ctx is done
// or Terminate is called, and killed if it has not exited after KillGrace.
func (s *FFmpegSpawner) Spawn(ctx context.Context, url string) (*TranscoderProcess, error) {
	path, err := ffmpeg.Locate(s.config.BinaryPath)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, path, ffmpeg.ExpandArgs(s.config.Args, url)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.config.KillGrace

	// Real pipes rather than StdoutPipe so Wait can run while the reader loop
	// still owns stdout.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}
	// The child holds its own copies.
	stdoutW.Close()
	stderrW.Close()

	p := &TranscoderProcess{
		cmd:            cmd,
		stdout:         stdoutR,
		cancel:         cancel,
		done:           make(chan struct{}),
		startedAt:      time.Now(),
		killGrace:      s.config.KillGrace,
		maxStderrLines: s.config.MaxStderrLines,
		redact:         redactURL(url, s.config.CleanURLs != nil && s.config.CleanURLs()),
		logger:         s.config.Logger.With(slog.Int("pid", cmd.Process.Pid)),
	}

	go p.readStderr(stderrR)
	go p.wait()

	p.logger.Debug("transcoder started", slog.String("binary", path))
	return p, nil
}

// TranscoderProcess is a running transcoder subprocess.
type TranscoderProcess struct {
	cmd       *exec.Cmd
	stdout    *os.File
	cancel    context.CancelFunc
	done      chan struct{}
	exitErr   error
	startedAt time.Time
	killGrace time.Duration
	logger    *slog.Logger

	stderrMu       sync.Mutex
	stderrLines    []string
	maxStderrLines int
	redact         func(string) string
}

// redactURL returns a line filter that hides url when clean is set.
// ffmpeg echoes its input URL in banners and errors.
func redactURL(url string, clean bool) func(string) string {
	if !clean || url == "" {
		return func(line string) string { return line }
	}
	return func(line string) string {
		return strings.ReplaceAll(line, url, observability.RemovedURL)
	}
}

// PID returns the operating system process id.
func (p *TranscoderProcess) PID() int {
	return p.cmd.Process.Pid
}

// Stdout returns the transcoded byte stream.
func (p *TranscoderProcess) Stdout() io.ReadCloser {
	return p.stdout
}

// Done is closed once the process has exited and been reaped.
func (p *TranscoderProcess) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error. Only valid after Done is closed.
func (p *TranscoderProcess) Err() error {
	<-p.done
	return p.exitErr
}

// StartedAt returns when the process was spawned.
func (p *TranscoderProcess) StartedAt() time.Time {
	return p.startedAt
}

// Terminate interrupts the process and waits for it to be reaped.
// It is safe to call more than once.
func (p *TranscoderProcess) Terminate() {
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(p.killGrace + 2*time.Second):
		p.logger.Error("transcoder did not exit after kill, reaping in background")
	}
}

func (p *TranscoderProcess) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	if lines := p.StderrLines(); len(lines) > 0 {
		p.logger.Debug("transcoder exited",
			slog.Int("stderr_lines", len(lines)),
			slog.String("last_stderr", lines[len(lines)-1]))
	} else {
		p.logger.Debug("transcoder exited")
	}
}

// readStderr logs transcoder stderr at debug and keeps the most recent lines.
// ffmpeg rewrites progress lines with \r, so both \r and \n end a line.
func (p *TranscoderProcess) readStderr(r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Split(scanLinesWithCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Contains(line, "frame=") {
			continue
		}
		line = p.redact(line)

		p.stderrMu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		if len(p.stderrLines) > p.maxStderrLines {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrMu.Unlock()

		p.logger.Debug("transcoder stderr", slog.String("line", line))
	}
}

// StderrLines returns a copy of the most recent stderr lines.
func (p *TranscoderProcess) StderrLines() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	lines := make([]string, len(p.stderrLines))
	copy(lines, p.stderrLines)
	return lines
}

// TranscoderProcessStats holds resource usage of a transcoder process.
type TranscoderProcessStats struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	MemoryPercent float32 `json:"memory_percent"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Stats returns CPU and memory usage for the process, or nil once it has exited.
func (p *TranscoderProcess) Stats() *TranscoderProcessStats {
	select {
	case <-p.done:
		return nil
	default:
	}

	proc, err := process.NewProcess(int32(p.PID()))
	if err != nil {
		return nil
	}

	stats := &TranscoderProcessStats{
		PID:           p.PID(),
		UptimeSeconds: time.Since(p.startedAt).Seconds(),
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := proc.MemoryPercent(); err == nil {
		stats.MemoryPercent = pct
	}
	return stats
}

// scanLinesWithCR is a bufio.SplitFunc that treats both \r and \n as line delimiters.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
