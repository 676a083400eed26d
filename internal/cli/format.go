package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/titan-data/titan/pkg/color"
	"github.com/titan-data/titan/pkg/model"
)

func orNone(s string) string {
	if s == "" {
		return color.Dim("(none)")
	}
	return s
}

// formatBytes renders n with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func readiness(ready bool, errMsg string) string {
	switch {
	case errMsg != "":
		return " " + color.Error("error: "+errMsg)
	case !ready:
		return " " + color.Warning("(not ready)")
	}
	return ""
}

func formatTags(c model.Commit) string {
	tags := c.Tags()
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		if v == "" {
			parts = append(parts, k)
		} else {
			parts = append(parts, k+"="+v)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
