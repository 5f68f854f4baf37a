package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ElevenLabsConfig configures the synthesis HTTP client.
type ElevenLabsConfig struct {
	BaseURL      string // default https://api.elevenlabs.io
	APIKey       string
	VoiceID      string
	ReadTimeout  time.Duration // per-chunk read deadline (default 5s)
	TotalTimeout time.Duration // whole-request deadline (default 30s)
	MaxBytes     int64         // producer byte cap, 0 disables
}

func (c *ElevenLabsConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.elevenlabs.io"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = 30 * time.Second
	}
}

// ElevenLabsClient streams raw PCM from the ElevenLabs HTTP API.
type ElevenLabsClient struct {
	cfg        ElevenLabsConfig
	httpClient *http.Client
	nowMs      func() int64
}

// NewElevenLabsClient builds a client. nowMs supplies the monotonic clock
// used for metric stamps.
func NewElevenLabsClient(cfg ElevenLabsConfig, nowMs func() int64) *ElevenLabsClient {
	cfg.applyDefaults()
	return &ElevenLabsClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		nowMs:      nowMs,
	}
}

type synthesisRequest struct {
	Text string `json:"text"`
}

// Stream issues the streaming synthesis request and delivers raw PCM
// chunks to onChunk until the body ends, the byte cap is hit, or onChunk
// returns false. Each successful read re-arms the per-chunk deadline;
// exceeding either deadline ends the stream with an error.
func (c *ElevenLabsClient) Stream(ctx context.Context, text string, m *Metrics, onChunk func(chunk []byte) bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=pcm_48000", c.cfg.BaseURL, c.cfg.VoiceID)
	resp, err := c.post(ctx, url, text, m)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Per-chunk deadline: cancel the request if a read stalls.
	readTimer := time.AfterFunc(c.cfg.ReadTimeout, cancel)
	defer readTimer.Stop()

	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			readTimer.Reset(c.cfg.ReadTimeout)
			m.AddChunk(n, c.nowMs())
			total += int64(n)
			if !onChunk(buf[:n]) {
				return nil
			}
			if c.cfg.MaxBytes > 0 && total >= c.cfg.MaxBytes {
				m.SetTruncated()
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("tts read timeout after %d bytes: %w", total, ctx.Err())
			}
			return fmt.Errorf("tts read after %d bytes: %w", total, err)
		}
	}
}

// Synthesize fetches a complete synthesis response (a WAV file on the
// non-streaming endpoint), capped at MaxBytes.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string, m *Metrics) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=wav", c.cfg.BaseURL, c.cfg.VoiceID)
	resp, err := c.post(ctx, url, text, m)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if c.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, c.cfg.MaxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("tts response read: %w", err)
	}
	if c.cfg.MaxBytes > 0 && int64(len(data)) >= c.cfg.MaxBytes {
		m.SetTruncated()
	}
	m.AddChunk(len(data), c.nowMs())
	return data, nil
}

func (c *ElevenLabsClient) post(ctx context.Context, url, text string, m *Metrics) (*http.Response, error) {
	payload, err := json.Marshal(synthesisRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("tts request encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts request build: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	m.MarkRequestSent(c.nowMs())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	m.MarkHeaders(c.nowMs())

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("tts http status %d: %s", resp.StatusCode, string(detail))
	}
	return resp, nil
}
