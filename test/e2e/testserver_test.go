// Package e2e drives the testserver binary over HTTP. The binary uses stub
// drivers, so these tests need the Go toolchain but no container engine.
package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

type serverProc struct {
	url       string
	workspace string
	stdout    *lockedBuffer
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not in PATH")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T) *serverProc {
	t.Helper()
	binary := getBinary(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	workspace := t.TempDir()
	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"KILN_LISTEN_ADDR="+addr,
		"KILN_WORKSPACE_DIR="+workspace,
		"KILN_LOG_LEVEL=debug",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	sp := &serverProc{url: "http://" + addr, workspace: workspace, stdout: stdout}
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, sp.url+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (sp *serverProc) createFunction(t *testing.T, name, language, code string, timeout int) int64 {
	t.Helper()
	body := fmt.Sprintf(`{"name":%q,"route":"/%s","language":%q,"code":%q,"timeout":%d}`, name, name, language, code, timeout)
	var f struct {
		ID int64 `json:"id"`
	}
	if status := sp.do(t, http.MethodPost, "/v1/functions", body, &f); status != http.StatusCreated {
		t.Fatalf("create %s: status %d", name, status)
	}
	return f.ID
}

type envelope struct {
	Status string `json:"status"`
	Data   *struct {
		ExecutionID string `json:"execution_id"`
		Stdout      string `json:"stdout"`
		Timeout     bool   `json:"timeout"`
		ColdStart   bool   `json:"cold_start"`
		DurationMS  int64  `json:"duration_ms"`
	} `json:"data"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace dir has %d leftover entries", len(entries))
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t)

	var health map[string]string
	if status := sp.do(t, http.MethodGet, "/healthz", "", &health); status != http.StatusOK || health["status"] != "ok" {
		t.Errorf("healthz = %d %v", status, health)
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "kiln_http_requests_total") {
		t.Error("metrics output missing kiln_http_requests_total")
	}
}

func TestSyncExecutionLifecycle(t *testing.T) {
	sp := startServer(t)
	id := sp.createFunction(t, "hello", "python", "def handler(e, c): return 'hi'", 5)
	path := fmt.Sprintf("/v1/functions/%d/execute", id)

	var first, second envelope
	if status := sp.do(t, http.MethodPost, path, "", &first); status != http.StatusOK {
		t.Fatalf("first execute status = %d", status)
	}
	if first.Status != "success" || first.Data == nil || !first.Data.ColdStart {
		t.Fatalf("first = %+v", first)
	}
	if !strings.Contains(first.Data.Stdout, "return 'hi'") {
		t.Errorf("Stdout = %q", first.Data.Stdout)
	}

	sp.do(t, http.MethodPost, path, "", &second)
	if second.Data == nil || second.Data.ColdStart {
		t.Errorf("second = %+v, want warm start", second)
	}

	var pool struct {
		Entries []struct {
			State string `json:"state"`
		} `json:"entries"`
	}
	sp.do(t, http.MethodGet, "/v1/pool", "", &pool)
	if len(pool.Entries) != 1 || pool.Entries[0].State != "idle" {
		t.Errorf("pool = %+v", pool)
	}
	assertEmptyDir(t, sp.workspace)
}

func TestTimeoutAndFailureEnvelopes(t *testing.T) {
	sp := startServer(t)
	slow := sp.createFunction(t, "slow", "javascript", "// timeout", 1)
	bad := sp.createFunction(t, "bad", "javascript", "// fail", 5)

	start := time.Now()
	var env envelope
	sp.do(t, http.MethodPost, fmt.Sprintf("/v1/functions/%d/execute", slow), "", &env)
	if env.Status != "error" || env.Error != "Execution timed out" {
		t.Errorf("timeout envelope = %+v", env)
	}
	if elapsed := time.Since(start); elapsed < time.Second || elapsed > 5*time.Second {
		t.Errorf("timeout took %s, want about 1s", elapsed)
	}

	env = envelope{}
	sp.do(t, http.MethodPost, fmt.Sprintf("/v1/functions/%d/execute", bad), "", &env)
	if env.Status != "error" || env.Error != "Execution failed" || !strings.Contains(env.Details, "stub failure") {
		t.Errorf("failure envelope = %+v", env)
	}

	if status := sp.do(t, http.MethodPost, "/v1/functions/999/execute", "", nil); status != http.StatusNotFound {
		t.Errorf("missing function status = %d, want 404", status)
	}
	assertEmptyDir(t, sp.workspace)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var sum struct {
			Summaries []struct {
				FunctionID int64  `json:"function_id"`
				Backend    string `json:"backend"`
				TotalRuns  int    `json:"total_runs"`
			} `json:"summaries"`
		}
		sp.do(t, http.MethodGet, "/v1/metrics/summary", "", &sum)
		total := 0
		for _, s := range sum.Summaries {
			total += s.TotalRuns
		}
		if total == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metric summary total = %d, want 3: %+v", total, sum)
		}
		time.Sleep(pollInterval)
	}
}

func TestAsyncExecutionStreamsLogs(t *testing.T) {
	sp := startServer(t)
	id := sp.createFunction(t, "streamer", "python", "print('x')", 5)

	var pending struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if status := sp.do(t, http.MethodPost, fmt.Sprintf("/v1/functions/%d/execute/async", id), "", &pending); status != http.StatusAccepted {
		t.Fatalf("async status = %d", status)
	}

	resp, err := http.Get(sp.url + "/v1/executions/" + pending.ID + "/logs")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	defer resp.Body.Close()

	var done bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: done" {
			done = true
		}
	}
	if !done {
		t.Error("stream ended without a done event")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var got struct {
			Status string `json:"status"`
		}
		sp.do(t, http.MethodGet, "/v1/executions/"+pending.ID, "", &got)
		if got.Status == "success" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution status = %q, want success", got.Status)
		}
		time.Sleep(pollInterval)
	}

	var history struct {
		Lines []struct {
			Line string `json:"line"`
		} `json:"lines"`
	}
	sp.do(t, http.MethodGet, "/v1/executions/"+pending.ID+"/logs/history", "", &history)
	if len(history.Lines) < 2 || !strings.HasPrefix(history.Lines[0].Line, "[standard] starting") {
		t.Errorf("history = %+v", history.Lines)
	}
}
