package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/trialmatch/internal/agent"
	"github.com/nugget/trialmatch/internal/outcomes"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout bytes.Buffer
		if err := run(context.Background(), &stdout, &bytes.Buffer{}, args); err != nil {
			t.Fatalf("run(%v) = %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: trialmatch") {
			t.Errorf("run(%v) did not print usage:\n%s", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag: -x"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"search without file", []string{"search"}, "usage: trialmatch search"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "search", "c.json"}, "/nonexistent/config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), &stdout, &bytes.Buffer{}, []string{"version"}))
	assert.Contains(t, stdout.String(), "trialmatch dev")
	assert.Contains(t, stdout.String(), "go_version:")

	stdout.Reset()
	require.NoError(t, run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-o", "json", "version"}))
	var info map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &info))
	assert.Equal(t, "dev", info["version"])
}

// fakeOllama scripts an Ollama /api/chat endpoint. Each request is
// answered with the next reply; the last reply repeats.
type fakeOllama struct {
	mu       sync.Mutex
	replies  []string
	requests []map[string]any
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, body)
	reply := f.replies[min(n, len(f.replies)-1)]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, reply)
}

func (f *fakeOllama) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

const searchToolReply = `{
  "model": "qwen3:8b",
  "message": {
    "role": "assistant",
    "content": "Searching for diabetes trials near Boston.",
    "tool_calls": [{"function": {"name": "search_clinical_trials", "arguments": {"condition": "Type 2 Diabetes", "location": "Boston, MA"}}}]
  },
  "done": true,
  "done_reason": "stop",
  "prompt_eval_count": 120,
  "eval_count": 30
}`

const finalReply = `{
  "model": "qwen3:8b",
  "message": {"role": "assistant", "content": "Found 1 matching trial: NCT09990001."},
  "done": true,
  "done_reason": "stop",
  "prompt_eval_count": 200,
  "eval_count": 15
}`

const studiesBody = `{
  "totalCount": 1,
  "studies": [{"protocolSection": {
    "identificationModule": {"nctId": "NCT09990001", "briefTitle": "Metformin Plus Exercise"},
    "statusModule": {"overallStatus": "RECRUITING"},
    "designModule": {"phases": ["PHASE3"]},
    "contactsLocationsModule": {"locations": [{"city": "Boston", "state": "Massachusetts"}]}
  }}]
}`

type searchEnv struct {
	dir      string
	config   string
	criteria string
	ollama   *fakeOllama
}

// newSearchEnv writes a config pointing at fake Ollama and
// ClinicalTrials.gov servers, plus a criteria file.
func newSearchEnv(t *testing.T, maxIterations int, replies ...string) *searchEnv {
	t.Helper()
	dir := t.TempDir()

	ollama := &fakeOllama{replies: replies}
	ollamaSrv := httptest.NewServer(ollama)
	t.Cleanup(ollamaSrv.Close)

	trialsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, studiesBody)
	}))
	t.Cleanup(trialsSrv.Close)

	cfg := fmt.Sprintf(`ollama:
  url: %s
models:
  default: qwen3:8b
agent:
  max_iterations: %d
trials:
  base_url: %s
  retries: 0
logging:
  level: warn
  dir: %s
data_dir: %s
`, ollamaSrv.URL, maxIterations, trialsSrv.URL, filepath.Join(dir, "logs"), filepath.Join(dir, "data"))

	env := &searchEnv{
		dir:      dir,
		config:   filepath.Join(dir, "config.yaml"),
		criteria: filepath.Join(dir, "criteria.json"),
		ollama:   ollama,
	}
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(env.criteria, []byte(`{
  "patient_id": "P12345",
  "age": 45,
  "gender": "female",
  "conditions": ["Type 2 Diabetes"],
  "location": "Boston, MA"
}`), 0o644))
	return env
}

func TestRun_SearchText(t *testing.T) {
	env := newSearchEnv(t, 10, searchToolReply, finalReply)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", env.config, "search", env.criteria})
	require.NoError(t, err, "stderr:\n%s", stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "Patient:    P12345")
	assert.Contains(t, out, "Status:     succeeded")
	assert.Contains(t, out, "Iterations: 2")
	assert.Contains(t, out, "Tool calls: 1")
	assert.Contains(t, out, "Found 1 matching trial: NCT09990001.")
	assert.Equal(t, 2, env.ollama.calls())

	// The second model call sees the search result.
	env.ollama.mu.Lock()
	second, _ := json.Marshal(env.ollama.requests[1])
	env.ollama.mu.Unlock()
	assert.Contains(t, string(second), "NCT09990001")

	logs, err := filepath.Glob(filepath.Join(env.dir, "logs", "agent_run_*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	runLog, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(runLog), "SEARCH COMPLETED SUCCESSFULLY in 2 iterations")
}

func TestRun_SearchJSONArchivesOutcome(t *testing.T) {
	env := newSearchEnv(t, 10, searchToolReply, finalReply)

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-o", "json", "-config", env.config, "search", env.criteria})
	require.NoError(t, err)

	var out agent.Outcome
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, agent.StatusSucceeded, out.Status)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, 320, out.InputTokens)
	assert.Equal(t, 45, out.OutputTokens)

	store, err := outcomes.Open(filepath.Join(env.dir, "data", "outcomes.db"))
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "P12345", got.PatientID)
	assert.Equal(t, out.FinalResponse, got.FinalResponse)
}

func TestRun_SearchIterationLimit(t *testing.T) {
	env := newSearchEnv(t, 2, searchToolReply)

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-config", env.config, "search", env.criteria})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iteration_limit")
	assert.Contains(t, stdout.String(), "Status:     iteration_limit")
	assert.Equal(t, 2, env.ollama.calls())
}

func TestRun_SearchRejectsInvalidCriteria(t *testing.T) {
	env := newSearchEnv(t, 10, finalReply)
	require.NoError(t, os.WriteFile(env.criteria, []byte(`{"patient_id": "P1", "conditions": []}`), 0o644))

	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-config", env.config, "search", env.criteria})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Zero(t, env.ollama.calls())

	logs, _ := filepath.Glob(filepath.Join(env.dir, "logs", "agent_run_*.log"))
	assert.Empty(t, logs)
}
