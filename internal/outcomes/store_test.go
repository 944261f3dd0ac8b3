package outcomes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/trialmatch/internal/agent"
	"github.com/nugget/trialmatch/internal/llm"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func sampleOutcome(runID, patientID string, started time.Time) *agent.Outcome {
	return &agent.Outcome{
		RunID:     runID,
		PatientID: patientID,
		Criteria: agent.PatientCriteria{
			PatientID: patientID, Age: 45, Gender: "female",
			Conditions: []string{"NAFLD"}, Location: "Denver, CO",
		},
		Status:        agent.StatusSucceeded,
		Success:       true,
		FinalResponse: "Top match: NCT05000001",
		Iterations:    3,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Blocks: []llm.Block{llm.TextBlock("find trials")}},
			{Role: llm.RoleAssistant, Blocks: []llm.Block{llm.ToolUseBlock(llm.ToolRequest{ID: "c1", Name: "search_clinical_trials", Input: map[string]any{"condition": "NAFLD"}})}},
			{Role: llm.RoleToolResult, Blocks: []llm.Block{llm.ResultBlock("c1", `{"trials_found":1}`, false)}},
		},
		Model:        "claude-sonnet-4-20250514",
		InputTokens:  1200,
		OutputTokens: 300,
		StartedAt:    started,
		FinishedAt:   started.Add(4 * time.Second),
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 2, 3, 14, 5, 6, 123000000, time.UTC)
	in := sampleOutcome("run-1", "P001", started)
	require.NoError(t, s.Save(ctx, in))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, in.PatientID, got.PatientID)
	assert.Equal(t, in.Criteria, got.Criteria)
	assert.Equal(t, agent.StatusSucceeded, got.Status)
	assert.True(t, got.Success)
	assert.Equal(t, in.FinalResponse, got.FinalResponse)
	assert.Equal(t, 3, got.Iterations)
	assert.Equal(t, 1200, got.InputTokens)
	assert.True(t, in.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, 4*time.Second, got.Duration())

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "c1", got.Messages[1].Blocks[0].ToolUse.ID)
	assert.Equal(t, "NAFLD", got.Messages[1].Blocks[0].ToolUse.Input["condition"])
	assert.Equal(t, "c1", got.Messages[2].Blocks[0].ToolResult.CallID)
}

func TestStore_GetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_SaveFailedRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	o := sampleOutcome("run-2", "P001", time.Now())
	o.Status = agent.StatusLimit
	o.Success = false
	o.FinalResponse = ""
	o.Error = "IterationLimitExceeded"
	require.NoError(t, s.Save(ctx, o))

	got, err := s.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Equal(t, agent.StatusLimit, got.Status)
	assert.Equal(t, "IterationLimitExceeded", got.Error)
	assert.Empty(t, got.FinalResponse)
}

func TestStore_SaveRequiresRunID(t *testing.T) {
	s := setupTestStore(t)
	o := sampleOutcome("", "P001", time.Now())
	assert.Error(t, s.Save(context.Background(), o))
}

func TestStore_SaveDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	o := sampleOutcome("run-1", "P001", time.Now())
	require.NoError(t, s.Save(ctx, o))
	assert.Error(t, s.Save(ctx, o), "runs are archived once")
}

func TestStore_ListByPatient(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := range 4 {
		o := sampleOutcome(fmt.Sprintf("run-%d", i), "P001", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.Save(ctx, o))
	}
	require.NoError(t, s.Save(ctx, sampleOutcome("other", "P002", base)))

	all, err := s.ListByPatient(ctx, "P001", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "run-3", all[0].RunID, "newest first")
	assert.Equal(t, "run-0", all[3].RunID)

	limited, err := s.ListByPatient(ctx, "P001", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListByPatient(ctx, "P404", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
