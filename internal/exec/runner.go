package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"codeblock/internal/models"
)

const DefaultSandboxURL = "http://localhost:8090"

var ErrDockerUnavailable = errors.New("docker daemon unreachable")

type SandboxLimits struct {
	WallTime time.Duration
	MemoryB  int64
	NanoCPUs int64
}

const (
	defaultWallTime = 10 * time.Second
	defaultMemoryB  = 512 * 1024 * 1024
	defaultNanoCPUs = 1_000_000_000
)

func (l SandboxLimits) withDefaults() SandboxLimits {
	if l.WallTime <= 0 {
		l.WallTime = defaultWallTime
	}
	if l.MemoryB <= 0 {
		l.MemoryB = defaultMemoryB
	}
	if l.NanoCPUs <= 0 {
		l.NanoCPUs = defaultNanoCPUs
	}
	return l
}

// Runner executes code through the sandbox service.
type Runner struct {
	client  *http.Client
	baseURL string
}

func NewRunner(baseURL string) *Runner {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultSandboxURL
	}
	return &Runner{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
}

type sandboxRequest struct {
	Language string        `json:"language"`
	Code     string        `json:"code"`
	Limits   sandboxLimits `json:"limits"`
}

type sandboxLimits struct {
	WallTimeMs  int64 `json:"wallTimeMs"`
	MemoryBytes int64 `json:"memoryBytes"`
	NanoCPUs    int64 `json:"nanoCPUs"`
}

type runExit struct {
	Code     int  `json:"code"`
	TimedOut bool `json:"timedOut"`
}

type sandboxResponse struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Exit   runExit `json:"exit"`
	Error  string  `json:"error,omitempty"`
}

func (r *Runner) LangSpec(lang models.Language) (models.LanguageSpec, error) {
	spec, _, err := langSpec(lang)
	return spec, err
}

func (r *Runner) RunOnce(ctx context.Context, lang models.Language, code string, limits SandboxLimits) (models.RunResult, error) {
	spec, _, err := langSpec(lang)
	if err != nil {
		return models.RunResult{}, err
	}
	resp, err := r.invokeSandbox(ctx, spec.Name, code, limits)
	if err != nil {
		return models.RunResult{}, err
	}
	if err := mapSandboxError(resp.Error); err != nil {
		return models.RunResult{}, err
	}
	return models.RunResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Exit:     resp.Exit.Code,
		TimedOut: resp.Exit.TimedOut,
	}, nil
}

func (r *Runner) invokeSandbox(ctx context.Context, lang models.Language, code string, limits SandboxLimits) (sandboxResponse, error) {
	limits = limits.withDefaults()
	body, err := json.Marshal(sandboxRequest{
		Language: string(lang),
		Code:     code,
		Limits: sandboxLimits{
			WallTimeMs:  limitsMillis(limits.WallTime, defaultWallTime),
			MemoryBytes: limits.MemoryB,
			NanoCPUs:    limits.NanoCPUs,
		},
	})
	if err != nil {
		return sandboxResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return sandboxResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return sandboxResponse{}, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	var out sandboxResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK {
		if mapped := mapSandboxError(out.Error); decodeErr == nil && mapped != nil {
			return sandboxResponse{}, mapped
		}
		return sandboxResponse{}, errors.New(resp.Status)
	}
	if decodeErr != nil {
		return sandboxResponse{}, fmt.Errorf("failed to decode sandbox response: %w", decodeErr)
	}
	return out, nil
}

func limitsMillis(d, fallback time.Duration) int64 {
	if d <= 0 {
		d = fallback
	}
	return d.Milliseconds()
}

func mapSandboxError(code string) error {
	switch code {
	case "", "success":
		return nil
	case "sandbox_unavailable":
		return ErrDockerUnavailable
	case "unsupported_language":
		return ErrUnsupportedLanguage
	default:
		return errors.New(code)
	}
}

// FormatOutput renders a run result the way it is shown to a block.
func FormatOutput(res models.RunResult) string {
	var b strings.Builder
	b.WriteString(res.Stdout)
	if res.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString(res.Stderr)
	}
	if res.TimedOut {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString("[timed out]")
	}
	return b.String()
}
