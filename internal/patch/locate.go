package patch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// locateBranch finds a branch step anywhere in the tree.
func locateBranch(wf *schema.Workflow, branchStepID string) (*schema.Step, error) {
	step, ok := wf.FindStep(branchStepID)
	if !ok {
		return nil, fmt.Errorf("branch step %q not found", branchStepID)
	}
	if step.Type != schema.StepTypeBranch {
		return nil, fmt.Errorf("step %q is not a branch step", branchStepID)
	}
	return step, nil
}

// locateDecision finds a decision step anywhere in the tree.
func locateDecision(wf *schema.Workflow, decisionStepID string) (*schema.Step, error) {
	step, ok := wf.FindStep(decisionStepID)
	if !ok {
		return nil, fmt.Errorf("decision step %q not found", decisionStepID)
	}
	if step.Type != schema.StepTypeDecision {
		return nil, fmt.Errorf("step %q is not a decision step", decisionStepID)
	}
	return step, nil
}

// locatePath finds a specific path owned by a branch step.
func locatePath(wf *schema.Workflow, branchStepID, pathID string) (*schema.BranchPath, error) {
	branch, err := locateBranch(wf, branchStepID)
	if err != nil {
		return nil, err
	}
	for i := range branch.Paths {
		if branch.Paths[i].ID == pathID {
			return &branch.Paths[i], nil
		}
	}
	return nil, fmt.Errorf("path %q not found on branch step %q", pathID, branchStepID)
}

// locateOutcome finds a specific outcome owned by a decision step.
func locateOutcome(wf *schema.Workflow, decisionStepID, outcomeID string) (*schema.DecisionOutcome, error) {
	decision, err := locateDecision(wf, decisionStepID)
	if err != nil {
		return nil, err
	}
	for i := range decision.Outcomes {
		if decision.Outcomes[i].ID == outcomeID {
			return &decision.Outcomes[i], nil
		}
	}
	return nil, fmt.Errorf("outcome %q not found on decision step %q", outcomeID, decisionStepID)
}

// stepIndex returns the index of the step with the given ID in a flat list,
// or -1. It does not descend into nested containers.
func stepIndex(steps []schema.Step, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

// resolveInsertPos converts position markers to a list index against the
// current container state. BeforeStepID wins over AfterStepID; neither
// means append.
func resolveInsertPos(steps []schema.Step, after, before *string) (int, error) {
	if before != nil {
		idx := stepIndex(steps, *before)
		if idx == -1 {
			return 0, fmt.Errorf("anchor step %q not found", *before)
		}
		return idx, nil
	}
	if after != nil {
		idx := stepIndex(steps, *after)
		if idx == -1 {
			return 0, fmt.Errorf("anchor step %q not found", *after)
		}
		return idx + 1, nil
	}
	return len(steps), nil
}

// insertAt inserts a step at the given index.
func insertAt(steps []schema.Step, idx int, step schema.Step) []schema.Step {
	steps = append(steps, schema.Step{})
	copy(steps[idx+1:], steps[idx:])
	steps[idx] = step
	return steps
}

// assignStepIDs fills in missing IDs on a step payload and its nested
// children. AI-proposed steps frequently omit them.
func assignStepIDs(s *schema.Step) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	for p := range s.Paths {
		if s.Paths[p].ID == "" {
			s.Paths[p].ID = uuid.New().String()
		}
		for i := range s.Paths[p].Steps {
			assignStepIDs(&s.Paths[p].Steps[i])
		}
	}
	for o := range s.Outcomes {
		if s.Outcomes[o].ID == "" {
			s.Outcomes[o].ID = uuid.New().String()
		}
		for i := range s.Outcomes[o].Steps {
			assignStepIDs(&s.Outcomes[o].Steps[i])
		}
	}
}

// walkPayload visits a step payload and all its nested children.
func walkPayload(s *schema.Step, fn func(s *schema.Step)) {
	fn(s)
	for p := range s.Paths {
		for i := range s.Paths[p].Steps {
			walkPayload(&s.Paths[p].Steps[i], fn)
		}
	}
	for o := range s.Outcomes {
		for i := range s.Outcomes[o].Steps {
			walkPayload(&s.Outcomes[o].Steps[i], fn)
		}
	}
}
