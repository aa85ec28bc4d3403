package edc

import "errors"

var (
	ErrInvalidMagic       = errors.New("invalid EDC magic")
	ErrUnsupportedMajor   = errors.New("unsupported EDC major version")
	ErrUnsupportedVersion = errors.New("unsupported EDC section version")
	ErrCorruptFile        = errors.New("corrupt EDC file")
)
