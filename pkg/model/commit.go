package model

import (
	"fmt"
	"time"
)

const (
	// PropertyTags holds the commit's tag map inside its properties.
	PropertyTags = "tags"
	// PropertyTimestamp holds the commit's creation time inside its properties.
	PropertyTimestamp = "timestamp"
	// TagSource names the upstream commit a commit was derived from.
	TagSource = "source"
)

// Commit is a point-in-time snapshot of every volume in a volume set.
type Commit struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// CommitStatus reports the storage consumed by a commit.
type CommitStatus struct {
	LogicalSize int64  `json:"logicalSize"`
	ActualSize  int64  `json:"actualSize"`
	UniqueSize  int64  `json:"uniqueSize"`
	Ready       bool   `json:"ready"`
	Error       string `json:"error,omitempty"`
}

// Tags returns the commit's tags. Values decoded from JSON are stringified.
func (c *Commit) Tags() map[string]string {
	tags := make(map[string]string)
	if c == nil || c.Properties == nil {
		return tags
	}
	switch raw := c.Properties[PropertyTags].(type) {
	case map[string]string:
		for k, v := range raw {
			tags[k] = v
		}
	case map[string]any:
		for k, v := range raw {
			if v == nil {
				tags[k] = ""
				continue
			}
			if s, ok := v.(string); ok {
				tags[k] = s
			} else {
				tags[k] = fmt.Sprint(v)
			}
		}
	}
	return tags
}

// SetTags replaces the commit's tags.
func (c *Commit) SetTags(tags map[string]string) {
	if c.Properties == nil {
		c.Properties = make(map[string]any)
	}
	m := make(map[string]any, len(tags))
	for k, v := range tags {
		m[k] = v
	}
	c.Properties[PropertyTags] = m
}

// Source returns the upstream commit recorded in the "source" tag, if any.
func (c *Commit) Source() string {
	return c.Tags()[TagSource]
}

// Timestamp returns the commit's recorded creation time, or the zero time.
func (c *Commit) Timestamp() time.Time {
	if c == nil || c.Properties == nil {
		return time.Time{}
	}
	s, ok := c.Properties[PropertyTimestamp].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTimestamp renders t the way commit timestamps are stored.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
