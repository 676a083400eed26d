package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/titan-data/titan/pkg/color"
	"github.com/titan-data/titan/pkg/errclass"
)

// hintedError carries a suggestion printed under the error.
type hintedError struct {
	err  error
	hint string
}

func (e *hintedError) Error() string { return e.err.Error() }

func (e *hintedError) Unwrap() error { return e.err }

// suggestNames provides "Did you mean" suggestions for query among names.
func suggestNames(query string, names []string, listCmd string) string {
	var matches []string
	q := strings.ToLower(query)
	for _, n := range names {
		l := strings.ToLower(n)
		if strings.HasPrefix(l, q) || strings.HasPrefix(q, l) || strings.Contains(l, q) {
			matches = append(matches, color.Success(n))
		}
		if len(matches) == 3 {
			break
		}
	}
	if len(matches) > 0 {
		hint := "Did you mean"
		if len(matches) > 1 {
			hint += " one of"
		}
		return fmt.Sprintf("%s: %s?", hint, strings.Join(matches, ", "))
	}
	return fmt.Sprintf("Run %s to see what exists.", color.Code(listCmd))
}

// withSuggestion attaches a suggestion to err when it reports a missing
// object. Other errors are returned as is.
func withSuggestion(err error, query string, names func() []string, listCmd string) error {
	if err == nil || !errors.Is(err, errclass.ErrNoSuchObject) {
		return err
	}
	return &hintedError{err: err, hint: suggestNames(query, names(), listCmd)}
}

// describeError renders err for the terminal, including any suggestion.
func describeError(err error) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	var h *hintedError
	if errors.As(err, &h) && h.hint != "" {
		sb.WriteString("\n")
		sb.WriteString(color.Dim("  " + h.hint))
	}
	if errclass.Classify(err) == nil {
		return sb.String()
	}
	if errors.Is(err, errclass.ErrObjectExists) && strings.Contains(err.Error(), "is locked by") {
		sb.WriteString("\n")
		sb.WriteString(color.Dim("  Another titan process owns the data directory. Retry once it exits."))
	}
	return sb.String()
}
