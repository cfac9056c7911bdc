package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

func newEngine() *Engine {
	return New(schema.DefaultLimits())
}

func strPtr(s string) *string { return &s }

func taskStep(id string) *schema.Step {
	return &schema.Step{ID: id, Name: id, Type: schema.StepTypeTask}
}

func baseWorkflow(stepIDs ...string) *schema.Workflow {
	wf := &schema.Workflow{ID: "wf-1", Name: "Onboarding"}
	for _, id := range stepIDs {
		wf.Steps = append(wf.Steps, *taskStep(id))
	}
	return wf
}

func mainPathIDs(wf *schema.Workflow) []string {
	ids := make([]string, len(wf.Steps))
	for i := range wf.Steps {
		ids[i] = wf.Steps[i].ID
	}
	return ids
}

func branchWorkflow(pathIDs ...string) *schema.Workflow {
	branch := schema.Step{ID: "b1", Type: schema.StepTypeBranch}
	for _, id := range pathIDs {
		branch.Paths = append(branch.Paths, schema.BranchPath{
			ID:    id,
			Steps: []schema.Step{*taskStep("s-" + id)},
		})
	}
	return &schema.Workflow{ID: "wf-1", Name: "Routing", Steps: []schema.Step{branch}}
}

// Later operations must see earlier insertions: [a] + add x after a +
// add y after x yields [a, x, y].
func TestApply_OrderedInsertions(t *testing.T) {
	wf := baseWorkflow("a")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: taskStep("x"), AfterStepID: strPtr("a")},
		{Type: schema.OpAddStep, Step: taskStep("y"), AfterStepID: strPtr("x")},
	})
	require.NoError(t, err)
	require.True(t, results[0].OK)
	require.True(t, results[1].OK)
	assert.Equal(t, []string{"a", "x", "y"}, mainPathIDs(out))
}

// A failing operation is isolated: the batch continues and both valid
// operations land.
func TestApply_PartialFailureIsolation(t *testing.T) {
	wf := baseWorkflow("a")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: taskStep("x"), AfterStepID: strPtr("a")},
		{Type: schema.OpRemoveStep, StepID: "missing"},
		{Type: schema.OpAddStep, Step: taskStep("y")},
	})
	require.NoError(t, err)

	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Reason, "not found")
	assert.True(t, results[2].OK)
	assert.Equal(t, []string{"a", "x", "y"}, mainPathIDs(out))
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	wf := baseWorkflow("a", "b")

	_, _, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpRemoveStep, StepID: "a"},
		{Type: schema.OpRenameWorkflow, Name: "Changed"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, mainPathIDs(wf))
	assert.Equal(t, "Onboarding", wf.Name)
}

func TestApply_InsertBefore(t *testing.T) {
	wf := baseWorkflow("a", "b")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: taskStep("x"), BeforeStepID: strPtr("b")},
	})
	require.NoError(t, err)
	require.True(t, results[0].OK)
	assert.Equal(t, []string{"a", "x", "b"}, mainPathIDs(out))
}

func TestApply_AddAppendsWithoutAnchor(t *testing.T) {
	wf := baseWorkflow("a")

	out, _, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: taskStep("z")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, mainPathIDs(out))
}

func TestApply_AddGeneratesMissingID(t *testing.T) {
	wf := baseWorkflow("a")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: &schema.Step{Type: schema.StepTypeTask, Name: "anon"}},
	})
	require.NoError(t, err)
	require.True(t, results[0].OK)
	require.Len(t, out.Steps, 2)
	assert.NotEmpty(t, out.Steps[1].ID)
}

func TestApply_DuplicateIDRejected(t *testing.T) {
	wf := baseWorkflow("a")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: taskStep("a")},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, "already exists")
	assert.Equal(t, []string{"a"}, mainPathIDs(out))
}

// A single payload can carry the same ID twice, here nested under two
// paths of one branch step. That must fail like a collision with the tree.
func TestApply_DuplicateIDWithinPayloadRejected(t *testing.T) {
	wf := baseWorkflow("a")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: &schema.Step{
			ID:   "b1",
			Type: schema.StepTypeBranch,
			Paths: []schema.BranchPath{
				{ID: "p1", Steps: []schema.Step{*taskStep("dup")}},
				{ID: "p2", Steps: []schema.Step{*taskStep("dup")}},
			},
		}},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, "already exists")
	assert.Equal(t, []string{"a"}, mainPathIDs(out))
}

func TestApply_AddPathDuplicateNestedIDRejected(t *testing.T) {
	wf := branchWorkflow("p1", "p2")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddPath, BranchStepID: "b1", Path: &schema.BranchPath{
			ID:    "p3",
			Steps: []schema.Step{*taskStep("dup"), *taskStep("dup")},
		}},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, "already exists")
	assert.Len(t, out.Steps[0].Paths, 2)
}

func TestApply_AddOutcomeDuplicateNestedIDRejected(t *testing.T) {
	wf := &schema.Workflow{ID: "wf-1", Steps: []schema.Step{{
		ID:   "d1",
		Type: schema.StepTypeDecision,
		Outcomes: []schema.DecisionOutcome{
			{ID: "o1", Label: "Approve"},
			{ID: "o2", Label: "Reject"},
		},
	}}}

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddOutcome, DecisionStepID: "d1", Outcome: &schema.DecisionOutcome{
			ID:    "o3",
			Label: "Escalate",
			Steps: []schema.Step{*taskStep("dup"), *taskStep("dup")},
		}},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, "already exists")
	assert.Len(t, out.Steps[0].Outcomes, 2)
}

func TestApply_MoveStep(t *testing.T) {
	wf := baseWorkflow("a", "b", "c")

	// Move c after a.
	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpMoveStep, StepID: "c", AfterStepID: strPtr("a")},
	})
	require.NoError(t, err)
	require.True(t, results[0].OK)
	assert.Equal(t, []string{"a", "c", "b"}, mainPathIDs(out))

	// Nil anchor moves to list start.
	out, results, err = newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpMoveStep, StepID: "c"},
	})
	require.NoError(t, err)
	require.True(t, results[0].OK)
	assert.Equal(t, []string{"c", "a", "b"}, mainPathIDs(out))
}

func TestApply_MoveMissingAnchorLeavesListIntact(t *testing.T) {
	wf := baseWorkflow("a", "b")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpMoveStep, StepID: "b", AfterStepID: strPtr("ghost")},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Equal(t, []string{"a", "b"}, mainPathIDs(out))
}

func TestApply_UpdateStepPreservesIdentity(t *testing.T) {
	wf := baseWorkflow("a")
	cfg, _ := json.Marshal(schema.TaskConfig{Description: "review the docs"})

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpUpdateStep, StepID: "a", Step: &schema.Step{
			Name:   "Review",
			Role:   "Reviewer",
			Config: cfg,
		}},
	})
	require.NoError(t, err)
	require.True(t, results[0].OK)
	assert.Equal(t, "a", out.Steps[0].ID)
	assert.Equal(t, "Review", out.Steps[0].Name)
	assert.Equal(t, "Reviewer", out.Steps[0].Role)
	assert.JSONEq(t, string(cfg), string(out.Steps[0].Config))
}

// --- Nested containers ---

func TestApply_NestedPathEdits(t *testing.T) {
	wf := branchWorkflow("p1", "p2")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStepToPath, BranchStepID: "b1", PathID: "p1", Step: taskStep("n1"), AfterStepID: strPtr("s-p1")},
		{Type: schema.OpMoveStepInPath, BranchStepID: "b1", PathID: "p1", StepID: "n1"},
		{Type: schema.OpRemoveStepFromPath, BranchStepID: "b1", PathID: "p2", StepID: "s-p2"},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.OK, r.Reason)
	}

	p1 := out.Steps[0].Paths[0]
	require.Len(t, p1.Steps, 2)
	assert.Equal(t, "n1", p1.Steps[0].ID)
	assert.Empty(t, out.Steps[0].Paths[1].Steps)
}

func TestApply_PathNotFound(t *testing.T) {
	wf := branchWorkflow("p1", "p2")

	_, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStepToPath, BranchStepID: "b1", PathID: "ghost", Step: taskStep("n1")},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, `path "ghost" not found`)
}

// Removing a path from a 2-path branch violates the minimum; from a 3-path
// branch it succeeds.
func TestApply_RemovePathMinimum(t *testing.T) {
	two := branchWorkflow("p1", "p2")
	_, results, err := newEngine().Apply(two, []schema.Operation{
		{Type: schema.OpRemovePath, BranchStepID: "b1", PathID: "p1"},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, "at least 2 paths")

	three := branchWorkflow("p1", "p2", "p3")
	out, results, err := newEngine().Apply(three, []schema.Operation{
		{Type: schema.OpRemovePath, BranchStepID: "b1", PathID: "p1"},
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK)
	assert.Len(t, out.Steps[0].Paths, 2)
}

func TestApply_AddBranchStepEnforcesMinPaths(t *testing.T) {
	wf := baseWorkflow("a")

	_, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddStep, Step: &schema.Step{
			ID:    "b1",
			Type:  schema.StepTypeBranch,
			Paths: []schema.BranchPath{{ID: "only"}},
		}},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, "between 2 and")
}

func TestApply_UpdatePathCondition(t *testing.T) {
	wf := branchWorkflow("p1", "p2")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpUpdatePathCondition, BranchStepID: "b1", PathID: "p1", Condition: &schema.Condition{
			Source: "{{kickoff.tier}}", Operator: schema.OperatorEquals, Value: "gold",
		}},
		// Clearing a condition turns the path into the default.
		{Type: schema.OpUpdatePathCondition, BranchStepID: "b1", PathID: "p2", Condition: nil},
	})
	require.NoError(t, err)
	require.True(t, results[0].OK)
	require.True(t, results[1].OK)
	require.NotNil(t, out.Steps[0].Paths[0].Condition)
	assert.Equal(t, schema.OperatorEquals, out.Steps[0].Paths[0].Condition.Operator)
	assert.Nil(t, out.Steps[0].Paths[1].Condition)
}

func TestApply_DecisionOutcomes(t *testing.T) {
	wf := &schema.Workflow{ID: "wf-1", Steps: []schema.Step{{
		ID:   "d1",
		Type: schema.StepTypeDecision,
		Outcomes: []schema.DecisionOutcome{
			{ID: "o1", Label: "Approve"},
			{ID: "o2", Label: "Reject"},
		},
	}}}

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddOutcome, DecisionStepID: "d1", Outcome: &schema.DecisionOutcome{ID: "o3", Label: "Escalate"}},
		{Type: schema.OpUpdateOutcomeLabel, DecisionStepID: "d1", OutcomeID: "o1", Label: "Approve Now"},
		{Type: schema.OpAddStepToOutcome, DecisionStepID: "d1", OutcomeID: "o3", Step: taskStep("esc-1")},
		{Type: schema.OpRemoveOutcome, DecisionStepID: "d1", OutcomeID: "o2"},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.OK, r.Reason)
	}

	d := out.Steps[0]
	require.Len(t, d.Outcomes, 2)
	assert.Equal(t, "Approve Now", d.Outcomes[0].Label)
	assert.Equal(t, "o3", d.Outcomes[1].ID)
	require.Len(t, d.Outcomes[1].Steps, 1)

	// Removing another outcome would leave 1 < min and must fail.
	_, results, err = newEngine().Apply(out, []schema.Operation{
		{Type: schema.OpRemoveOutcome, DecisionStepID: "d1", OutcomeID: "o1"},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
}

// --- Control-transfer, milestones, metadata ---

func TestApply_GotoAndTerminate(t *testing.T) {
	wf := baseWorkflow("a")
	wf.Steps = append(wf.Steps,
		schema.Step{ID: "g1", Type: schema.StepTypeGoto},
		schema.Step{ID: "t1", Type: schema.StepTypeTerminate},
	)

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpUpdateGotoTarget, StepID: "g1", TargetStepID: "a"},
		{Type: schema.OpUpdateTerminateStatus, StepID: "t1", TerminateStatus: schema.FlowStatusCancelled},
		{Type: schema.OpUpdateGotoTarget, StepID: "a", TargetStepID: "g1"}, // not a goto step
		{Type: schema.OpUpdateTerminateStatus, StepID: "t1", TerminateStatus: "paused"},
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.False(t, results[2].OK)
	assert.False(t, results[3].OK)

	var gotoCfg schema.GotoConfig
	require.NoError(t, json.Unmarshal(out.Steps[1].Config, &gotoCfg))
	assert.Equal(t, "a", gotoCfg.TargetStepID)

	var termCfg schema.TerminateConfig
	require.NoError(t, json.Unmarshal(out.Steps[2].Config, &termCfg))
	assert.Equal(t, schema.FlowStatusCancelled, termCfg.Status)
}

func TestApply_Milestones(t *testing.T) {
	wf := baseWorkflow("a", "b")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpAddMilestone, Milestone: &schema.Milestone{ID: "m1", Name: "Kickoff done", AfterStepID: "a"}},
		{Type: schema.OpAddMilestone, Milestone: &schema.Milestone{ID: "m2", Name: "Bad anchor", AfterStepID: "ghost"}},
		{Type: schema.OpUpdateMilestone, MilestoneID: "m1", Milestone: &schema.Milestone{Name: "Intake done", AfterStepID: "b"}},
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.True(t, results[2].OK)

	require.Len(t, out.Milestones, 1)
	assert.Equal(t, "Intake done", out.Milestones[0].Name)
	assert.Equal(t, "b", out.Milestones[0].AfterStepID)

	out, results, err = newEngine().Apply(out, []schema.Operation{
		{Type: schema.OpRemoveMilestone, MilestoneID: "m1"},
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK)
	assert.Empty(t, out.Milestones)
}

func TestApply_RenameWorkflow(t *testing.T) {
	wf := baseWorkflow("a")

	out, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: schema.OpRenameWorkflow, Name: "Vendor Onboarding"},
		{Type: schema.OpRenameWorkflow, Name: ""},
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "Vendor Onboarding", out.Name)
}

func TestApply_UnknownOperationType(t *testing.T) {
	wf := baseWorkflow("a")

	_, results, err := newEngine().Apply(wf, []schema.Operation{
		{Type: "explode"},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Reason, "unknown operation type")
}
