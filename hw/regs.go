package hw

// Draw parameter registers loaded by the indirect draw path.
const (
	RegPrimStartVertex   uint32 = 0x2430
	RegPrimVertexCount   uint32 = 0x2434
	RegPrimInstanceCount uint32 = 0x2438
	RegPrimStartInstance uint32 = 0x243C
	RegPrimBaseVertex    uint32 = 0x2440
)

// Dispatch dimension registers loaded by the indirect dispatch path.
const (
	RegDispatchDimX uint32 = 0x2500
	RegDispatchDimY uint32 = 0x2504
	RegDispatchDimZ uint32 = 0x2508
)
