package hook

import "errors"

var (
	// ErrModuleNotFound means no executable mapping matched the module hint.
	ErrModuleNotFound = errors.New("module not found")
	// ErrSymbolNotFound means the function could not be resolved in the module.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrPatch means the entry point could not be rewritten.
	ErrPatch = errors.New("unable to patch function")
	// ErrDoubleHook means the function is already hooked.
	ErrDoubleHook = errors.New("double hook")
	// ErrInputType means an argument is not a function.
	ErrInputType = errors.New("not a function")
	// ErrForeignProcess means the pid is not the current process.
	ErrForeignProcess = errors.New("can only hook the current process")
	// ErrReleased means the hook was permanently restored by Postcall.
	ErrReleased = errors.New("hook released")
)
