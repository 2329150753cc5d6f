package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 4 * 1024 * 1024
	contentTypeJSON  = "application/json"
)

// PistonConfig configures a PistonClient.
type PistonConfig struct {
	URL        string
	Timeout    time.Duration
	Runtimes   map[string]Runtime
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// PistonClient executes code against a Piston compatible HTTP API.
type PistonClient struct {
	url        string
	timeout    time.Duration
	runtimes   map[string]Runtime
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
	Stdin    string       `json:"stdin"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type pistonResponse struct {
	Run     pistonStage  `json:"run"`
	Compile *pistonStage `json:"compile,omitempty"`
	Message string       `json:"message,omitempty"`
}

// NewPistonClient validates cfg and constructs a client.
func NewPistonClient(cfg PistonConfig) (*PistonClient, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: url required", ErrUnavailable)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runtimes := cfg.Runtimes
	if len(runtimes) == 0 {
		runtimes = DefaultRuntimes()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PistonClient{
		url:        url,
		timeout:    timeout,
		runtimes:   runtimes,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Execute runs request, bounded by the configured timeout.
func (c *PistonClient) Execute(ctx context.Context, request Request) (Result, error) {
	runtime, ok := c.runtimes[strings.ToLower(strings.TrimSpace(request.Language))]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, request.Language)
	}
	if strings.TrimSpace(request.Code) == "" {
		return Result{}, ErrEmptyCode
	}

	body, err := json.Marshal(pistonRequest{
		Language: runtime.Language,
		Version:  runtime.Version,
		Files:    []pistonFile{{Name: runtime.FileName, Content: request.Code}},
		Stdin:    request.Stdin,
	})
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(runCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpRequest.Header.Set("Content-Type", contentTypeJSON)

	started := c.clock()
	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if response.StatusCode != http.StatusOK {
		c.logger.Warn("executor rejected request",
			zap.Int("status", response.StatusCode),
			zap.String("language", runtime.Language))
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}

	var decoded pistonResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	result := stageResult(decoded.Run)
	if decoded.Compile != nil {
		if compiled := stageResult(*decoded.Compile); compiled.Failed() {
			result = compiled
		}
	}
	result.Duration = c.clock().Sub(started)
	return result, nil
}

func stageResult(stage pistonStage) Result {
	result := Result{
		Stdout: stage.Stdout,
		Stderr: stage.Stderr,
		Output: stage.Output,
	}
	if result.Output == "" {
		result.Output = stage.Stdout + stage.Stderr
	}
	if stage.Code != nil {
		result.ExitCode = *stage.Code
	}
	if stage.Signal != nil {
		result.Signal = *stage.Signal
	}
	return result
}
