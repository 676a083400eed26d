// Package pathutil provides identifier and path validation for titan.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/titan-data/titan/pkg/errclass"
)

// MaxNameLength is the longest accepted repository, volume, remote or commit name.
const MaxNameLength = 63

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-:.]+$`)

func validateIdentifier(kind, name string) error {
	if name == "" {
		return errclass.ErrInvalidArgument.WithMessagef("%s must not be empty", kind)
	}
	if !nameRegex.MatchString(name) {
		msg := fmt.Sprintf("invalid %s, can only contain alphanumeric characters, '-', ':', '.', or '_': %q", kind, name)
		if s := SuggestName(name); s != "" {
			msg += fmt.Sprintf(" (did you mean '%s'?)", s)
		}
		return errclass.ErrInvalidArgument.WithMessage(msg)
	}
	if len(name) > MaxNameLength {
		return errclass.ErrInvalidArgument.WithMessagef("invalid %s, must be %d characters or less", kind, MaxNameLength)
	}
	if name == "." || name == ".." {
		return errclass.ErrInvalidArgument.WithMessagef("invalid %s: %s", kind, name)
	}
	return nil
}

// SuggestName folds a rejected name to the name alphabet by stripping
// diacritics ("café" becomes "cafe"). It returns "" when the folded name is
// still invalid or unchanged.
func SuggestName(name string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, name)
	if err != nil || folded == name || !nameRegex.MatchString(folded) || len(folded) > MaxNameLength {
		return ""
	}
	return folded
}

// ValidateRepoName checks a repository name.
func ValidateRepoName(name string) error {
	return validateIdentifier("repository name", name)
}

// ValidateRemoteName checks a remote name.
func ValidateRemoteName(name string) error {
	return validateIdentifier("remote name", name)
}

// ValidateCommitID checks a commit id. Commit ids share the name alphabet so
// that ids generated elsewhere (UUIDs, timestamps with ':') are accepted.
func ValidateCommitID(id string) error {
	return validateIdentifier("commit id", id)
}

// ValidateVolumeName checks a volume name. Names starting with '_' are
// reserved for internal volumes.
func ValidateVolumeName(name string) error {
	if err := validateIdentifier("volume name", name); err != nil {
		return err
	}
	if strings.HasPrefix(name, "_") {
		return errclass.ErrInvalidArgument.WithMessage("volume names cannot start with '_'")
	}
	return nil
}

// ValidateOperationID checks that id is a UUID.
func ValidateOperationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errclass.ErrInvalidArgument.WithMessagef("invalid operation id '%s'", id)
	}
	return nil
}

// ValidatePathSafety verifies target path does not escape root.
func ValidatePathSafety(root, targetPath string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return errclass.ErrInvalidArgument.WithMessagef("cannot resolve root: %v", err)
	}

	// Try resolving target; if it doesn't exist, resolve closest ancestor
	resolvedTarget, err := filepath.EvalSymlinks(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			resolvedTarget = resolveClosestAncestor(targetPath)
		} else {
			return errclass.ErrInvalidArgument.WithMessagef("cannot resolve target: %v", err)
		}
	}

	if !strings.HasPrefix(resolvedTarget+"/", resolvedRoot+"/") &&
		resolvedTarget != resolvedRoot {
		return errclass.ErrInvalidArgument.WithMessagef("path escapes root: %s", targetPath)
	}

	return nil
}

// resolveClosestAncestor walks up from path to find the closest existing
// ancestor, resolves it, then appends the remaining components.
func resolveClosestAncestor(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = resolveClosestAncestor(dir)
		} else {
			return filepath.Clean(path)
		}
	}
	return filepath.Join(resolved, base)
}
