// Package providers implements the external services the render toolchain
// drives: an HTTP media gateway for narration, alignment, images and music,
// and an ffmpeg-based renderer.
package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/reelworks/reel/internal/steps"
)

// defaultTimeout bounds one gateway call. Media synthesis is slow; the
// engine's per-step retries sit above this.
const defaultTimeout = 2 * time.Minute

// Client talks to an HTTP media gateway exposing the synthesis endpoints.
// One Client backs all four provider interfaces.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a gateway client. timeout <= 0 uses the default.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// post sends a JSON request and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// writeB64 decodes base64 payload data to a file, creating parent dirs.
func writeB64(outPath, data string) error {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, raw, 0o644)
}

// TTS returns the narration synthesis provider.
func (c *Client) TTS() steps.TTSProvider { return ttsProvider{c} }

// ASR returns the word-alignment provider.
func (c *Client) ASR() steps.ASRProvider { return asrProvider{c} }

// Images returns the scene image provider.
func (c *Client) Images() steps.ImageProvider { return imageProvider{c} }

// Music returns the background track provider.
func (c *Client) Music() steps.MusicProvider { return musicProvider{c} }

type ttsProvider struct{ c *Client }

func (p ttsProvider) Synthesize(ctx context.Context, text, outPath string) (float64, error) {
	var resp struct {
		AudioB64    string  `json:"audio_b64"`
		DurationSec float64 `json:"duration_sec"`
	}
	err := p.c.post(ctx, "/v1/tts", map[string]string{"text": text}, &resp)
	if err != nil {
		return 0, err
	}
	if err := writeB64(outPath, resp.AudioB64); err != nil {
		return 0, err
	}
	return resp.DurationSec, nil
}

type asrProvider struct{ c *Client }

func (p asrProvider) Align(ctx context.Context, audioPath, transcript string) ([]steps.WordTiming, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	var resp struct {
		Words []steps.WordTiming `json:"words"`
	}
	err = p.c.post(ctx, "/v1/align", map[string]string{
		"transcript": transcript,
		"audio_b64":  base64.StdEncoding.EncodeToString(audio),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Words, nil
}

type imageProvider struct{ c *Client }

func (p imageProvider) Generate(ctx context.Context, prompt, outPath string) error {
	var resp struct {
		ImageB64 string `json:"image_b64"`
	}
	err := p.c.post(ctx, "/v1/images", map[string]string{"prompt": prompt}, &resp)
	if err != nil {
		return err
	}
	return writeB64(outPath, resp.ImageB64)
}

type musicProvider struct{ c *Client }

func (p musicProvider) Compose(ctx context.Context, durationSec float64, outPath string) error {
	var resp struct {
		AudioB64 string `json:"audio_b64"`
	}
	err := p.c.post(ctx, "/v1/music", map[string]float64{"duration_sec": durationSec}, &resp)
	if err != nil {
		return err
	}
	return writeB64(outPath, resp.AudioB64)
}
