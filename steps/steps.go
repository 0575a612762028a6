// Package steps collapses an ordered list of logical steps into a bounded
// number of groups, one image-generation call per group.
package steps

import (
	"fmt"
	"strings"
)

// Step is one logical step returned by the analysis stage.
type Step struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	Warning string `json:"warning,omitempty"`
}

// Group is a contiguous run of steps illustrated by a single image.
type Group struct {
	Members  []int    `json:"members"`
	Title    string   `json:"title"`
	Text     string   `json:"text"`
	Warnings []string `json:"warnings,omitempty"`
}

// Contains reports whether step number n belongs to the group.
func (g Group) Contains(n int) bool {
	for _, m := range g.Members {
		if m == n {
			return true
		}
	}
	return false
}

// Partition groups steps into at most maxGroups contiguous groups. When there
// are no more steps than groups, every step is its own group with its title
// and text untouched. Otherwise chunks of ceil(len/maxGroups) steps are
// formed, the last possibly shorter. A maxGroups below 1 is treated as 1.
func Partition(list []Step, maxGroups int) []Group {
	if maxGroups < 1 {
		maxGroups = 1
	}
	if len(list) == 0 {
		return nil
	}
	if len(list) <= maxGroups {
		groups := make([]Group, len(list))
		for i, s := range list {
			groups[i] = Group{
				Members:  []int{s.Number},
				Title:    s.Title,
				Text:     s.Text,
				Warnings: warnings([]Step{s}),
			}
		}
		return groups
	}

	size := (len(list) + maxGroups - 1) / maxGroups
	groups := make([]Group, 0, (len(list)+size-1)/size)
	for start := 0; start < len(list); start += size {
		end := min(start+size, len(list))
		groups = append(groups, combine(list[start:end]))
	}
	return groups
}

func combine(chunk []Step) Group {
	members := make([]int, len(chunk))
	titles := make([]string, len(chunk))
	texts := make([]string, len(chunk))
	for i, s := range chunk {
		members[i] = s.Number
		titles[i] = s.Title
		texts[i] = fmt.Sprintf("Step %d: %s", s.Number, s.Text)
	}
	return Group{
		Members:  members,
		Title:    strings.Join(titles, " + "),
		Text:     strings.Join(texts, " | "),
		Warnings: warnings(chunk),
	}
}

// warnings returns the distinct non-empty warnings in first-seen order.
func warnings(chunk []Step) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range chunk {
		w := strings.TrimSpace(s.Warning)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
