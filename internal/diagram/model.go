package diagram

// NodeKind classifies a diagram node by its workflow step kind.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindFanOut    NodeKind = "fanout"
	NodeKindWorkflow  NodeKind = "workflow"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindData      NodeKind = "data"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindTry       NodeKind = "try"
	NodeKindWait      NodeKind = "wait"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Status values carried by StatusOverlay.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusPaused    = "paused"
)

// Model is the intermediate representation used by all renderers. Top-level
// nodes run in order, so Nodes doubles as the layout order.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // branches, cases, loop bodies, try sections
}

// SubGraph holds a nested step sequence of a container node.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the checkpointed state of a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge connects two nodes in execution order.
type Edge struct {
	From  string
	To    string
	Label string
}
