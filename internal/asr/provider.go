package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/pyckup/call-e/internal/audio"
)

// HTTPTranscriber sends captured audio to an HTTP speech-to-text provider
// as a multipart WAV upload. Grounded on the teacher's
// internal/pipeline/asr.go ASRClient (whisper.cpp server protocol).
type HTTPTranscriber struct {
	url    string
	client *http.Client
}

// NewHTTPTranscriber creates a transcriber pointing at an HTTP ASR server.
func NewHTTPTranscriber(url string, poolSize int) *HTTPTranscriber {
	return &HTTPTranscriber{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        poolSize,
				MaxIdleConnsPerHost: poolSize,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe implements Transcriber.
func (c *HTTPTranscriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	body, contentType, err := buildMultipartWAV(samples, sampleRate)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("asr: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("asr: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("asr: status %d: %s", resp.StatusCode, string(respBody))
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("asr: decode response: %w", err)
	}
	return out.Text, nil
}

func buildMultipartWAV(samples []float32, sampleRate int) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, sampleRate)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("asr: create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("asr: write wav data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("asr: close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}
