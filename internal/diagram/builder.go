package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a Model from a workflow. When exec and checkpoints are
// given, top-level nodes carry the recorded status of the run.
func Build(wf *schema.Workflow, exec *store.Execution, checkpoints []*store.Checkpoint) (*Model, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: workflow is nil")
	}

	states := make(map[string]*store.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		states[cp.StepID] = cp
	}

	nodes := make([]*Node, 0, len(wf.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, step := range wf.Steps {
		node := stepToNode(step, step.ID)
		overlayStatus(node, states[step.ID])
		if exec != nil && exec.PausedAt == step.ID {
			node.Status = &StatusOverlay{Status: StatusPaused}
		}
		node.Children = buildChildren(step, step.ID)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &Model{
		Title: titleOf(wf),
		Nodes: nodes,
		Edges: chain(nodes),
	}, nil
}

func stepToNode(step *schema.Step, id string) *Node {
	return &Node{ID: id, Label: nodeLabel(step), Kind: kindOf(step)}
}

func kindOf(step *schema.Step) NodeKind {
	switch step.Kind() {
	case schema.StepTypeAction:
		if step.Action == "parallel.spawn" || step.Action == "parallel.map" {
			return NodeKindFanOut
		}
		return NodeKindAction
	case schema.StepTypeWorkflow:
		return NodeKindWorkflow
	case schema.StepTypeIf, schema.StepTypeSwitch:
		return NodeKindCondition
	case schema.StepTypeForEach, schema.StepTypeWhile:
		return NodeKindLoop
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeTry:
		return NodeKindTry
	case schema.StepTypeWait:
		return NodeKindWait
	default:
		return NodeKindData
	}
}

// nodeLabel is the step id, with the action or sub-workflow on a second line.
func nodeLabel(step *schema.Step) string {
	switch {
	case step.Action != "":
		return fmt.Sprintf("%s\n(%s)", step.ID, step.Action)
	case step.Workflow != "":
		return fmt.Sprintf("%s\n(%s)", step.ID, step.Workflow)
	default:
		return fmt.Sprintf("%s\n(%s)", step.ID, step.Kind())
	}
}

func overlayStatus(node *Node, cp *store.Checkpoint) {
	if cp == nil {
		return
	}
	var ms int64
	if !cp.StartedAt.IsZero() && cp.CompletedAt.After(cp.StartedAt) {
		ms = cp.CompletedAt.Sub(cp.StartedAt).Milliseconds()
	}
	node.Status = &StatusOverlay{
		Status:     strings.ToLower(string(cp.Status)),
		DurationMs: ms,
		RetryCount: cp.RetryCount,
		Error:      cp.Error,
	}
}

// buildChildren returns the nested sequences of a container step. Nested
// node ids are qualified as parent.section.child.
func buildChildren(step *schema.Step, parentID string) []*SubGraph {
	var out []*SubGraph
	add := func(label string, steps []*schema.Step) {
		if len(steps) > 0 {
			out = append(out, buildSubGraph(label, parentID, steps))
		}
	}

	switch step.Kind() {
	case schema.StepTypeIf:
		add("then", step.Then)
		add("else", step.Else)
	case schema.StepTypeSwitch:
		keys := make([]string, 0, len(step.Cases))
		for k := range step.Cases {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k, step.Cases[k])
		}
		add("default", step.Default)
	case schema.StepTypeForEach, schema.StepTypeWhile:
		add("body", step.Steps)
	case schema.StepTypeParallel:
		for i, br := range step.Branches {
			label := br.ID
			if label == "" {
				label = fmt.Sprintf("branch%d", i+1)
			}
			add(label, br.Steps)
		}
	case schema.StepTypeTry:
		add("try", step.Try)
		add("catch", step.Catch)
		add("finally", step.Finally)
	}
	return out
}

func buildSubGraph(label, parentID string, steps []*schema.Step) *SubGraph {
	sg := &SubGraph{Label: label}
	prefix := parentID + "." + label + "."
	for _, sub := range steps {
		node := stepToNode(sub, prefix+sub.ID)
		node.Children = buildChildren(sub, node.ID)
		sg.Nodes = append(sg.Nodes, node)
	}
	sg.Edges = chain(sg.Nodes)
	return sg
}

// chain links consecutive nodes.
func chain(nodes []*Node) []Edge {
	if len(nodes) < 2 {
		return nil
	}
	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return edges
}

func titleOf(wf *schema.Workflow) string {
	switch {
	case wf.Name != "":
		return wf.Name
	case wf.ID != "":
		return wf.ID
	default:
		return "Workflow"
	}
}
