package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OtherActivity is the classifier's catch-all label.
const OtherActivity = "Other"

type ConfusionCounts struct {
	TP int64 `json:"tp"`
	FP int64 `json:"fp"`
	TN int64 `json:"tn"`
	FN int64 `json:"fn"`
}

// Accuracy is (TPR - FPR) * 100.
func (c ConfusionCounts) Accuracy() float64 {
	pos := float64(c.TP + c.FN)
	neg := float64(c.FP + c.TN)
	var tpr, fpr float64
	if pos > 0 {
		tpr = float64(c.TP) / pos
	}
	if neg > 0 {
		fpr = float64(c.FP) / neg
	}
	return (tpr - fpr) * 100
}

type ActivityStats map[string]ConfusionCounts

// Activities returns the activity names sorted.
func (s ActivityStats) Activities() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseActivityInfo decodes "activity:TP:FP:TN:FN,activity:TP:FP:TN:FN,...".
// Empty entries are skipped.
func ParseActivityInfo(info string) (ActivityStats, error) {
	out := make(ActivityStats)
	for _, entry := range strings.Split(info, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("activity entry %q: expected name:TP:FP:TN:FN", entry)
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("activity entry %q: empty name", entry)
		}
		var vals [4]int64
		for i := range vals {
			v, err := parseCount(parts[i+1])
			if err != nil {
				return nil, fmt.Errorf("activity entry %q: %w", entry, err)
			}
			vals[i] = v
		}
		out[name] = ConfusionCounts{TP: vals[0], FP: vals[1], TN: vals[2], FN: vals[3]}
	}
	return out, nil
}

// FormatActivityInfo is the inverse of ParseActivityInfo with names sorted.
func FormatActivityInfo(stats ActivityStats) string {
	parts := make([]string, 0, len(stats))
	for _, name := range stats.Activities() {
		c := stats[name]
		parts = append(parts, fmt.Sprintf("%s:%d:%d:%d:%d", name, c.TP, c.FP, c.TN, c.FN))
	}
	return strings.Join(parts, ",")
}

// counts from older classifier builds are printed as floats ("12.0")
func parseCount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q", raw)
	}
	return int64(f), nil
}
