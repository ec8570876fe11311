package smp

import mkern "github.com/ehrlich-b/go-mkern"

// sun4v machine-description discovery: the firmware hands the kernel a
// tree of typed nodes; CPUs are children of the root, and each physical
// core advertises itself as an integer execution unit child of its CPUs.

// MDNode is a node of the machine-description tree.
type MDNode struct {
	// Name is the node type, e.g. "cpu".
	Name     string
	props    map[string]any
	children []*MDNode
}

// NewMDNode creates a node.
func NewMDNode(name string) *MDNode {
	return &MDNode{
		Name:  name,
		props: make(map[string]any),
	}
}

// SetProp attaches an integer or string property.
func (n *MDNode) SetProp(key string, value any) *MDNode {
	switch value.(type) {
	case uint64, string:
	default:
		panic("smp: machine description properties are uint64 or string")
	}
	n.props[key] = value
	return n
}

// AddChild links a child node and returns the parent for chaining.
func (n *MDNode) AddChild(child *MDNode) *MDNode {
	n.children = append(n.children, child)
	return n
}

// IntProp reads an integer property.
func (n *MDNode) IntProp(key string) (uint64, bool) {
	v, ok := n.props[key].(uint64)
	return v, ok
}

// StringProp reads a string property.
func (n *MDNode) StringProp(key string) (string, bool) {
	v, ok := n.props[key].(string)
	return v, ok
}

// Children iterates the node's children.
func (n *MDNode) Children() []*MDNode {
	return n.children
}

// MachineDesc is a parsed machine description.
type MachineDesc struct {
	root *MDNode
}

// NewMachineDesc wraps a root node.
func NewMachineDesc(root *MDNode) *MachineDesc {
	return &MachineDesc{root: root}
}

// DiscoverMD enumerates the CPUs of a machine description. Each CPU's
// physical core is detected by looking for an integer-execution-unit
// child; since every physical core has just one integer execution unit,
// its node id identifies the core.
//
// If any CPU lacks a detectable execution unit (older firmware,
// simulators), discovery falls back to pretending there is a single
// execution unit all CPUs belong to.
func DiscoverMD(md *MachineDesc, bootID uint64) ([]Processor, error) {
	if md == nil || md.root == nil {
		return nil, mkern.NewError("smp_init", mkern.ErrCodeHardwareMissing,
			"no machine description")
	}

	var procs []Processor
	assignError := false

	for _, node := range md.root.Children() {
		if node.Name != "cpu" {
			continue
		}
		cpuid, ok := node.IntProp("id")
		if !ok {
			continue
		}

		// Detect the execution unit backing this CPU. Once detection has
		// failed for one CPU there is no point trying for the rest.
		var coreID uint64
		if !assignError {
			for _, child := range node.Children() {
				typ, _ := child.StringProp("type")
				if typ == "integer" {
					coreID, _ = child.IntProp("id")
					break
				}
			}
			if coreID == 0 {
				assignError = true
			}
		}

		procs = append(procs, Processor{
			ID:      cpuid,
			CoreID:  coreID,
			Enabled: true,
			BSP:     cpuid == bootID,
		})
	}

	if len(procs) == 0 {
		return nil, mkern.NewError("smp_init", mkern.ErrCodeHardwareMissing,
			"machine description lists no CPUs")
	}

	// Fallback: pretend there exists just one execution unit and all
	// CPUs belong to it.
	if assignError {
		for i := range procs {
			procs[i].CoreID = 1
		}
	}

	return procs, nil
}
