package exec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeblock/internal/models"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestRunOnceSuccess(t *testing.T) {
	var got sandboxRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(sandboxResponse{
			Stdout: "out",
			Stderr: "err",
			Exit:   runExit{Code: 3},
		})
	}))
	defer server.Close()

	runner := &Runner{client: server.Client(), baseURL: server.URL}
	output, err := runner.RunOnce(context.Background(), models.LangPython, "print('hi')", SandboxLimits{
		WallTime: 500 * time.Millisecond,
		MemoryB:  128,
		NanoCPUs: 250,
	})
	if err != nil {
		t.Fatalf("run once error: %v", err)
	}
	if output.Stdout != "out" || output.Stderr != "err" || output.Exit != 3 || output.TimedOut {
		t.Fatalf("unexpected output: %#v", output)
	}
	if got.Language != string(models.LangPython) || got.Code != "print('hi')" {
		t.Fatalf("unexpected request sent: %#v", got)
	}
	if got.Limits.WallTimeMs != 500 || got.Limits.MemoryBytes != 128 || got.Limits.NanoCPUs != 250 {
		t.Fatalf("unexpected limits: %#v", got.Limits)
	}
}

func TestRunOnceDefaultsToJavaScript(t *testing.T) {
	var got sandboxRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sandboxResponse{Exit: runExit{TimedOut: true}})
	}))
	defer server.Close()

	runner := &Runner{client: server.Client(), baseURL: server.URL}
	out, err := runner.RunOnce(context.Background(), "", "while(true){}", SandboxLimits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Language != "javascript" {
		t.Fatalf("expected javascript, got %q", got.Language)
	}
	if !out.TimedOut {
		t.Fatalf("expected timed out result")
	}
}

func TestRunOnceUnsupportedLanguageSkipsSandbox(t *testing.T) {
	runner := &Runner{client: &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		t.Errorf("sandbox should not be called")
		return nil, errors.New("unreachable")
	})}, baseURL: "http://sandbox"}

	if _, err := runner.RunOnce(context.Background(), "cobol", "x", SandboxLimits{}); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestRunOnceSandboxUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(sandboxResponse{Error: "sandbox_unavailable"})
	}))
	defer server.Close()

	runner := &Runner{client: server.Client(), baseURL: server.URL}
	_, err := runner.RunOnce(context.Background(), models.LangPython, "code", SandboxLimits{})
	if !errors.Is(err, ErrDockerUnavailable) {
		t.Fatalf("expected docker unavailable error, got %v", err)
	}
}

func TestRunOnceMapsSandboxError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sandboxResponse{Error: "unsupported_language"})
	}))
	defer server.Close()

	runner := &Runner{client: server.Client(), baseURL: server.URL}
	if _, err := runner.RunOnce(context.Background(), models.LangPython, "code", SandboxLimits{}); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected unsupported language error, got %v", err)
	}
}

func TestInvokeSandboxAppliesDefaults(t *testing.T) {
	var got sandboxRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sandboxResponse{})
	}))
	defer server.Close()

	runner := &Runner{client: server.Client(), baseURL: server.URL}
	resp, err := runner.invokeSandbox(context.Background(), models.LangPython, "code", SandboxLimits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stdout != "" || resp.Stderr != "" {
		t.Fatalf("unexpected non-empty sandbox response: %#v", resp)
	}
	if got.Limits.WallTimeMs != 10000 {
		t.Fatalf("expected fallback wall time 10000, got %d", got.Limits.WallTimeMs)
	}
	if got.Limits.MemoryBytes != 512*1024*1024 {
		t.Fatalf("expected fallback memory, got %d", got.Limits.MemoryBytes)
	}
	if got.Limits.NanoCPUs != 1_000_000_000 {
		t.Fatalf("expected fallback nano cpus, got %d", got.Limits.NanoCPUs)
	}
}

func TestInvokeSandboxHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(sandboxResponse{})
	}))
	defer server.Close()

	runner := &Runner{client: server.Client(), baseURL: server.URL}
	_, err := runner.invokeSandbox(context.Background(), models.LangPython, "code", SandboxLimits{})
	if err == nil || err.Error() != "500 Internal Server Error" {
		t.Fatalf("expected http error, got %v", err)
	}
}

func TestInvokeSandboxJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{invalid"))
	}))
	defer server.Close()

	runner := &Runner{client: server.Client(), baseURL: server.URL}
	if _, err := runner.invokeSandbox(context.Background(), models.LangPython, "code", SandboxLimits{}); err == nil {
		t.Fatalf("expected JSON decode error")
	}
}

func TestInvokeSandboxClientError(t *testing.T) {
	runner := &Runner{client: &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial")
	})}, baseURL: "http://sandbox"}

	if _, err := runner.invokeSandbox(context.Background(), models.LangPython, "code", SandboxLimits{}); err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("expected client error, got %v", err)
	}
}

func TestInvokeSandboxBadURL(t *testing.T) {
	runner := &Runner{client: &http.Client{}, baseURL: "://bad"}
	if _, err := runner.invokeSandbox(context.Background(), models.LangPython, "code", SandboxLimits{}); err == nil {
		t.Fatalf("expected request error")
	}
}

func TestLimitsMillis(t *testing.T) {
	if got := limitsMillis(-1, time.Second); got != 1000 {
		t.Fatalf("expected fallback 1000, got %d", got)
	}
	if got := limitsMillis(1500*time.Millisecond, time.Second); got != 1500 {
		t.Fatalf("unexpected millis: %d", got)
	}
}

func TestMapSandboxError(t *testing.T) {
	if err := mapSandboxError(""); err != nil {
		t.Fatalf("expected nil for success")
	}
	if err := mapSandboxError("success"); err != nil {
		t.Fatalf("expected nil for success code")
	}
	if err := mapSandboxError("sandbox_unavailable"); !errors.Is(err, ErrDockerUnavailable) {
		t.Fatalf("expected docker error, got %v", err)
	}
	if err := mapSandboxError("unsupported_language"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mapSandboxError("other"); err == nil || err.Error() != "other" {
		t.Fatalf("expected passthrough error, got %v", err)
	}
}

func TestLangSpec(t *testing.T) {
	runner := &Runner{}
	spec, err := runner.LangSpec(models.LangPython)
	if err != nil || spec.FileName != "main.py" {
		t.Fatalf("unexpected python spec: %#v err=%v", spec, err)
	}
	spec, err = runner.LangSpec(models.LangJavaScript)
	if err != nil || spec.FileName != "main.js" || spec.RunCmd[0] != "node" {
		t.Fatalf("unexpected javascript spec: %#v err=%v", spec, err)
	}
	if _, err := runner.LangSpec(models.Language("unknown")); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected error for unsupported language")
	}

	langs := Languages()
	if len(langs) != 2 || langs[0].Name != models.LangJavaScript {
		t.Fatalf("expected javascript listed first, got %#v", langs)
	}
}

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner("")
	if r.baseURL != DefaultSandboxURL {
		t.Fatalf("expected default base url, got %s", r.baseURL)
	}

	r = NewRunner(" http://example.com/sandbox/ ")
	if r.baseURL != "http://example.com/sandbox" {
		t.Fatalf("expected trimmed base url, got %s", r.baseURL)
	}
}

func TestFormatOutput(t *testing.T) {
	cases := []struct {
		in   models.RunResult
		want string
	}{
		{models.RunResult{Stdout: "1\n"}, "1\n"},
		{models.RunResult{Stdout: "1", Stderr: "boom"}, "1\nboom"},
		{models.RunResult{Stderr: "boom\n", TimedOut: true}, "boom\n[timed out]"},
		{models.RunResult{}, ""},
	}
	for _, tc := range cases {
		if got := FormatOutput(tc.in); got != tc.want {
			t.Fatalf("FormatOutput(%#v)=%q want %q", tc.in, got, tc.want)
		}
	}
}
