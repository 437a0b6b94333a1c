//go:build !debug_anvil

package blockpool

// Validatable is implemented by structures that can perform internal consistency
// checks on themselves.
type Validatable interface {
	Validate() error
}

// DebugValidate will call Validate on the provided object and panics if any errors
// are returned. This method no-ops unless the debug_anvil build tag is present.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two,
// and panics if it is not. This method no-ops unless the debug_anvil build tag is
// present.
func DebugCheckPow2[T Number](value T, name string) {
}
