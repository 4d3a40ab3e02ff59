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

// HTTPSynthesizer requests a raw PCM stream from an HTTP TTS provider and
// forwards its response body as chunks of at most 4096 bytes, each as large
// as one read of the body returned. Grounded on the
// teacher's internal/pipeline/tts.go TTSClient (Piper HTTP API), adapted
// from a single buffered response to a streamed one since the double
// buffer needs chunks as they arrive, not the whole utterance at once.
type HTTPSynthesizer struct {
	baseURL    string
	voice      string
	httpClient *http.Client
	readChunk  int
}

// NewHTTPSynthesizer creates a synthesizer against an HTTP TTS provider's
// streaming synthesize endpoint.
func NewHTTPSynthesizer(baseURL, voice string, poolSize int) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		baseURL: baseURL,
		voice:   voice,
		httpClient: &http.Client{
			Timeout: 0, // streaming response; caller's ctx bounds it
			Transport: &http.Transport{
				MaxIdleConns:        poolSize,
				MaxIdleConnsPerHost: poolSize,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		readChunk: 4096,
	}
}

type synthesizeRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Stream bool   `json:"stream"`
}

// StreamPCM implements Synthesizer.
func (h *HTTPSynthesizer) StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(synthesizeRequest{Text: text, Voice: h.voice, Stream: true})
		if err != nil {
			errs <- fmt.Errorf("tts: marshal request: %w", err)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/synthesize", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("tts: build request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.httpClient.Do(req)
		if err != nil {
			errs <- fmt.Errorf("tts: request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("tts: status %d", resp.StatusCode)
			return
		}

		buf := make([]byte, h.readChunk)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				errs <- fmt.Errorf("tts: read stream: %w", readErr)
				return
			}
		}
	}()

	return chunks, errs
}
