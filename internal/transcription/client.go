package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Error is a classified transcription failure. Only transient failures
// (network trouble, timeouts, rate limits, upstream 5xx) are eligible for
// retry; everything else is permanent.
type Error struct {
	StatusCode int
	Transient  bool
	Message    string
}

func (e *Error) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("transcription failed (%s, http %d): %s", class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transcription failed (%s): %s", class, e.Message)
}

// IsTransient reports whether err is a retry-eligible transcription
// failure.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Transient
}

// Extracted audio is mono 16kHz 16-bit PCM, so byte size maps directly to
// duration when sizing the request timeout.
const audioBytesPerSecond = 32000

type Config struct {
	// Endpoint is a Deepgram-style listen URL taking raw audio bytes.
	Endpoint string
	APIKey   string
	Model    string
	// BaseTimeout is the floor of the per-request timeout; the effective
	// timeout grows with audio duration up to TimeoutCeiling.
	BaseTimeout    time.Duration
	TimeoutCeiling time.Duration
}

// Client performs one network call per Transcribe against an external
// speech-to-text service.
type Client struct {
	httpClient     *http.Client
	endpoint       string
	apiKey         string
	model          string
	baseTimeout    time.Duration
	timeoutCeiling time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("transcription endpoint is required")
	}

	baseTimeout := cfg.BaseTimeout
	if baseTimeout <= 0 {
		baseTimeout = 15 * time.Second
	}
	ceiling := cfg.TimeoutCeiling
	if ceiling < baseTimeout {
		ceiling = 5 * time.Minute
	}

	model := cfg.Model
	if model == "" {
		model = "general"
	}

	return &Client{
		httpClient:     &http.Client{},
		endpoint:       cfg.Endpoint,
		apiKey:         cfg.APIKey,
		model:          model,
		baseTimeout:    baseTimeout,
		timeoutCeiling: ceiling,
	}, nil
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe uploads the normalized audio and returns the recognized
// text.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", &Error{Transient: false, Message: fmt.Sprintf("open audio: %v", err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &Error{Transient: false, Message: fmt.Sprintf("stat audio: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(info.Size()))
	defer cancel()

	endpoint, err := c.requestURL()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, f)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "audio/wav")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", classifyStatus(resp.StatusCode, string(body))
	}

	var parsed listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Transient: false, Message: fmt.Sprintf("decode response: %v", err)}
	}

	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", &Error{StatusCode: resp.StatusCode, Transient: false, Message: "response carries no transcript"}
	}
	return parsed.Results.Channels[0].Alternatives[0].Transcript, nil
}

func (c *Client) requestURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse transcription endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// timeoutFor scales the request timeout with the audio duration, bounded
// by a hard ceiling.
func (c *Client) timeoutFor(audioBytes int64) time.Duration {
	estimated := time.Duration(audioBytes/audioBytesPerSecond) * time.Second
	timeout := c.baseTimeout + 2*estimated
	if timeout > c.timeoutCeiling {
		return c.timeoutCeiling
	}
	return timeout
}

func classifyStatus(status int, body string) *Error {
	transient := status == http.StatusTooManyRequests || status >= 500
	return &Error{StatusCode: status, Transient: transient, Message: body}
}
