package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrAssignmentConflict = errors.New("order already has an active assignment")

	ErrInvalidSample     = fmt.Errorf("%w: invalid location sample", ErrValidation)
	ErrInvalidTransition = fmt.Errorf("%w: invalid state transition", ErrValidation)

	ErrOrderNotFound      = fmt.Errorf("order %w", ErrNotFound)
	ErrDriverNotFound     = fmt.Errorf("driver %w", ErrNotFound)
	ErrAssignmentNotFound = fmt.Errorf("assignment %w", ErrNotFound)
)
