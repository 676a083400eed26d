//go:build !linux

package engine

import (
	"errors"
	"os"
)

var errNoReflink = errors.New("reflink requires linux")

func reflinkFile(_, _ string, _ os.FileInfo) error { return errNoReflink }
