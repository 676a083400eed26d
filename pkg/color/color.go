// Package color styles CLI output with ANSI escapes. Output stays plain
// when NO_COLOR is set, TERM is dumb or --no-color was given.
package color

import (
	"os"
	"sync"
)

var state struct {
	once    sync.Once
	mu      sync.RWMutex
	enabled bool
}

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
)

// Init decides once per process whether color is used.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		_, noColorEnv := os.LookupEnv("NO_COLOR")
		on := !noColorEnv && os.Getenv("TERM") != "dumb" && !noColorFlag
		state.mu.Lock()
		state.enabled = on
		state.mu.Unlock()
	})
}

// Enabled reports whether output is colored.
func Enabled() bool {
	Init(false)
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.enabled
}

// Disable turns color off regardless of the environment.
func Disable() { set(false) }

// Enable turns color on regardless of the environment.
func Enable() { set(true) }

func set(on bool) {
	state.once.Do(func() {})
	state.mu.Lock()
	state.enabled = on
	state.mu.Unlock()
}

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + reset
}

// Success renders s in green.
func Success(s string) string { return wrap(green, s) }

// Error renders s in red.
func Error(s string) string { return wrap(red, s) }

// Warning renders s in yellow.
func Warning(s string) string { return wrap(yellow, s) }

// Highlight renders commit and operation ids.
func Highlight(s string) string { return wrap(cyan, s) }

// Dim renders secondary information.
func Dim(s string) string { return wrap(dim, s) }

// Code renders a command the user can run.
func Code(s string) string { return wrap(bold+dim, s) }
