package transcoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFFmpeg(run runFunc) *FFmpeg {
	f := New(Config{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"})
	f.run = run
	return f
}

func TestExtractAudioSuccess(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "audio.wav")

	var gotArgs []string
	f := newTestFFmpeg(func(_ context.Context, name string, args ...string) (string, string, int, error) {
		if name == "ffprobe" {
			return "12.5\n", "", 0, nil
		}
		gotArgs = args
		if err := os.WriteFile(outPath, []byte("wav"), 0o644); err != nil {
			t.Fatalf("write fake output: %v", err)
		}
		return "", "", 0, nil
	})

	if err := f.ExtractAudio(context.Background(), "in.webm", outPath); err != nil {
		t.Fatalf("extract: %v", err)
	}

	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"-vn", "-ac 1", "-ar 16000", "-f wav"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in ffmpeg args, got %q", want, joined)
		}
	}
}

func TestExtractAudioFailureRemovesPartialOutput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "audio.wav")

	f := newTestFFmpeg(func(_ context.Context, name string, _ ...string) (string, string, int, error) {
		// A failed run can still leave a partial file behind.
		if err := os.WriteFile(outPath, []byte("partial"), 0o644); err != nil {
			t.Fatalf("write partial output: %v", err)
		}
		return "", "Invalid data found when processing input", 1, errors.New("run ffmpeg: exit status 1")
	})

	err := f.ExtractAudio(context.Background(), "in.webm", outPath)
	if err == nil {
		t.Fatal("expected error")
	}

	var te *TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscodeError, got %T", err)
	}
	if te.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", te.ExitCode)
	}
	if te.Stderr != "Invalid data found when processing input" {
		t.Fatalf("expected stderr excerpt, got %q", te.Stderr)
	}

	if _, statErr := os.Stat(outPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("expected partial output removed")
	}
}

func TestTranscodeRejectsEmptyOutput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "final.mp4")

	f := newTestFFmpeg(func(_ context.Context, name string, _ ...string) (string, string, int, error) {
		if err := os.WriteFile(outPath, nil, 0o644); err != nil {
			t.Fatalf("write empty output: %v", err)
		}
		return "", "", 0, nil
	})

	err := f.Mux(context.Background(), "video.webm", "audio.wav", outPath)
	var te *TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
	if te.Reason != "output empty" {
		t.Fatalf("unexpected reason: %q", te.Reason)
	}
	if _, statErr := os.Stat(outPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("expected empty output removed")
	}
}

func TestTranscodeRejectsZeroDurationOutput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "final.mp4")

	f := newTestFFmpeg(func(_ context.Context, name string, _ ...string) (string, string, int, error) {
		if name == "ffprobe" {
			return "0.0\n", "", 0, nil
		}
		if err := os.WriteFile(outPath, []byte("mp4"), 0o644); err != nil {
			t.Fatalf("write output: %v", err)
		}
		return "", "", 0, nil
	})

	err := f.Mux(context.Background(), "video.webm", "audio.wav", outPath)
	var te *TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
	if te.Reason != "output has zero duration" {
		t.Fatalf("unexpected reason: %q", te.Reason)
	}
}

func TestTranscodeSkipsProbeWithoutFFprobe(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "final.mp4")

	f := New(Config{FFmpegPath: "ffmpeg"})
	f.run = func(_ context.Context, name string, _ ...string) (string, string, int, error) {
		if name == "ffprobe" {
			t.Fatal("ffprobe must not run when unconfigured")
		}
		if err := os.WriteFile(outPath, []byte("mp4"), 0o644); err != nil {
			t.Fatalf("write output: %v", err)
		}
		return "", "", 0, nil
	}

	if err := f.Mux(context.Background(), "video.webm", "audio.wav", outPath); err != nil {
		t.Fatalf("mux: %v", err)
	}
}

func TestTailBoundsExcerpt(t *testing.T) {
	long := strings.Repeat("x", 3000)
	if got := tail(long, stderrExcerptBytes); len(got) != stderrExcerptBytes {
		t.Fatalf("expected %d byte excerpt, got %d", stderrExcerptBytes, len(got))
	}
	if got := tail("short", stderrExcerptBytes); got != "short" {
		t.Fatalf("expected short string unchanged, got %q", got)
	}
}
