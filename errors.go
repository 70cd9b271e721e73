package softmap

import (
	"github.com/jmgilman/go/errors"
)

var (
	// ErrInvalidKey is returned by Put when the key is the map's reserved
	// sentinel (see WithReservedKey).
	ErrInvalidKey = errors.New(errors.CodeInvalidInput, "softmap: reserved key cannot be stored")

	// ErrNoHeapLimit is returned by NewPressureMonitor when neither a heap
	// limit nor a runtime memory limit is configured.
	ErrNoHeapLimit = errors.New(errors.CodeInvalidConfig, "softmap: no heap limit configured")
)

func invalidKeyError(key any) error {
	return errors.WrapWithContext(ErrInvalidKey, errors.CodeInvalidInput, "put rejected",
		map[string]interface{}{"key": key})
}

func loadError(err error, key any) error {
	return errors.WrapWithContext(err, errors.CodeExecutionFailed, "softmap: load failed",
		map[string]interface{}{"key": key})
}
