package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// stderrExcerptBytes caps how much external-process stderr is carried in
// a TranscodeError.
const stderrExcerptBytes = 2048

// TranscodeError reports a failed or corrupt external transcoder run.
type TranscodeError struct {
	ExitCode int
	Stderr   string
	Reason   string
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("transcode failed: %s (exit=%d): %s", e.Reason, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("transcode failed: %s (exit=%d)", e.Reason, e.ExitCode)
}

type Config struct {
	FFmpegPath  string
	FFprobePath string
	Timeout     time.Duration
}

// runFunc invokes one external process and returns its stdout, a bounded
// stderr excerpt and the exit code. Swapped out by tests.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

// FFmpeg extracts audio from and muxes media containers by invoking the
// ffmpeg binary. Invocations are blocking and CPU/IO heavy; only pipeline
// workers call them.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
	run         runFunc
}

func New(cfg Config) *FFmpeg {
	ffmpegPath := cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: cfg.FFprobePath,
		timeout:     timeout,
		run:         runCommand,
	}
}

// ExtractAudio produces a mono 16kHz WAV from the input container.
func (f *FFmpeg) ExtractAudio(ctx context.Context, inPath, outPath string) error {
	return f.transcode(ctx, outPath, "extract audio",
		"-y",
		"-i", inPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		outPath,
	)
}

// Mux combines the video track of videoPath with the audio of audioPath
// into a faststart MP4.
func (f *FFmpeg) Mux(ctx context.Context, videoPath, audioPath, outPath string) error {
	return f.transcode(ctx, outPath, "mux audio and video",
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-f", "mp4",
		outPath,
	)
}

// transcode runs ffmpeg and verifies the output. A partial output file is
// never left behind on failure.
func (f *FFmpeg) transcode(ctx context.Context, outPath, reason string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	_, stderr, exitCode, err := f.run(ctx, f.ffmpegPath, args...)
	if err != nil {
		os.Remove(outPath)
		return &TranscodeError{ExitCode: exitCode, Stderr: stderr, Reason: reason}
	}

	if err := f.verifyOutput(ctx, outPath); err != nil {
		os.Remove(outPath)
		return err
	}
	return nil
}

func (f *FFmpeg) verifyOutput(ctx context.Context, outPath string) error {
	info, err := os.Stat(outPath)
	if err != nil {
		return &TranscodeError{Reason: "output missing"}
	}
	if info.Size() == 0 {
		return &TranscodeError{Reason: "output empty"}
	}

	// Duration sanity check, only when ffprobe is configured.
	if f.ffprobePath == "" {
		return nil
	}
	duration, err := f.probeDuration(ctx, outPath)
	if err != nil {
		var te *TranscodeError
		if errors.As(err, &te) {
			return te
		}
		return &TranscodeError{Reason: fmt.Sprintf("probe output: %v", err)}
	}
	if duration <= 0 {
		return &TranscodeError{Reason: "output has zero duration"}
	}
	return nil
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	stdout, stderr, exitCode, err := f.run(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, &TranscodeError{ExitCode: exitCode, Stderr: stderr, Reason: "probe output"}
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("parse probed duration %q: %w", strings.TrimSpace(stdout), err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, string, int, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	excerpt := tail(stderr.String(), stderrExcerptBytes)
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return stdout.String(), excerpt, exitCode, fmt.Errorf("%s timed out: %w", name, ctx.Err())
		}
		return stdout.String(), excerpt, exitCode, fmt.Errorf("run %s: %w", name, err)
	}
	return stdout.String(), excerpt, 0, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
