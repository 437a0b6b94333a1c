package anvil

// Stage identifies one shader stage's slot in per-stage tables.
type Stage int

const (
	StageVertex Stage = iota
	StageTessControl
	StageTessEval
	StageGeometry
	StageFragment
	StageCompute

	StageCount
)

var stageNames = map[Stage]string{
	StageVertex:      "Vertex",
	StageTessControl: "TessControl",
	StageTessEval:    "TessEval",
	StageGeometry:    "Geometry",
	StageFragment:    "Fragment",
	StageCompute:     "Compute",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// StageFlags is a bitmask over shader stages.
type StageFlags uint32

const (
	StageVertexBit      StageFlags = 1 << StageVertex
	StageTessControlBit StageFlags = 1 << StageTessControl
	StageTessEvalBit    StageFlags = 1 << StageTessEval
	StageGeometryBit    StageFlags = 1 << StageGeometry
	StageFragmentBit    StageFlags = 1 << StageFragment
	StageComputeBit     StageFlags = 1 << StageCompute

	AllGraphicsStages = StageVertexBit | StageTessControlBit | StageTessEvalBit |
		StageGeometryBit | StageFragmentBit
)

// Flag returns the single-bit mask for this stage.
func (s Stage) Flag() StageFlags {
	return 1 << s
}

// Has reports whether the mask includes the given stage.
func (f StageFlags) Has(s Stage) bool {
	return f&s.Flag() != 0
}

// Fixed binding limits.
const (
	// MaxSets is the number of descriptor set binding points on a command buffer.
	MaxSets = 8
	// MaxVertexBuffers is the number of vertex buffer binding slots.
	MaxVertexBuffers = 32
	// MaxRenderTargets is the fragment binding table's fixed color-target bias:
	// that many slots always lead the table, before any descriptor-derived slots.
	MaxRenderTargets = 8
	// MaxDynamicBuffers is the number of dynamic-offset descriptors one set may
	// carry.
	MaxDynamicBuffers = 16
)

// Table-pointer instruction sub-opcodes, one per stage; the compute stage binds
// its tables through the interface descriptor instead.
var bindingTableSubOpcodes = [StageCount]uint32{38, 39, 40, 41, 42, 0}
var samplerStateSubOpcodes = [StageCount]uint32{43, 44, 45, 46, 47, 0}
