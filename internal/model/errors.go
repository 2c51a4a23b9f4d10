package model

import (
	"errors"
)

var (
	ErrStreamKind = errors.New("unknown stream kind")
)
