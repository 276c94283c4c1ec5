package utils

import "fmt"

// ErrBadParam indicates a wrong request parameter
type ErrBadParam struct {
	Name string
	err  error
}

// NewErrBadParam creates new error
func NewErrBadParam(name string, err error) error {
	return &ErrBadParam{Name: name, err: err}
}

func (e *ErrBadParam) Error() string {
	return fmt.Sprintf("wrong param '%s': %v", e.Name, e.err)
}

func (e *ErrBadParam) Unwrap() error {
	return e.err
}
