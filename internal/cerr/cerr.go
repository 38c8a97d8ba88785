package cerr

import (
	"errors"
	"fmt"
)

var (
	ErrNotSupported = errors.New("not supported")
	ErrValidation   = errors.New("validation")
)

func ValidationErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
