package admission

import "errors"

var (
	ErrUnknownPreset = errors.New("admission: unknown preset")
)
