package models

import (
	"sort"
	"strconv"
)

// PageDetection is one detection as reported by the detection page.
type PageDetection struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

// DetectionReport is the detection page's payload: frame timestamp (millis,
// string-keyed) to the detections observed in that frame.
type DetectionReport map[string][]PageDetection

// Flatten converts a report to raw detections in chronological frame order.
func (rep DetectionReport) Flatten() []RawDetection {
	keys := make([]string, 0, len(rep))
	for k := range rep {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseInt(keys[i], 10, 64)
		b, errB := strconv.ParseInt(keys[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})

	var raw []RawDetection
	for _, k := range keys {
		for _, d := range rep[k] {
			raw = append(raw, RawDetection{Classification: d.Class, Score: d.Score})
		}
	}
	return raw
}

// AggregateDetections groups raw detections by classification, keeping the
// highest score and occurrence count per group. Groups are ordered by
// descending count; ties keep first-seen order.
func AggregateDetections(raw []RawDetection) []Detection {
	index := make(map[string]int)
	var groups []Detection

	for _, d := range raw {
		if i, ok := index[d.Classification]; ok {
			if d.Score > groups[i].HighestScore {
				groups[i].HighestScore = d.Score
			}
			groups[i].Count++
			continue
		}
		index[d.Classification] = len(groups)
		groups = append(groups, Detection{
			Classification: d.Classification,
			HighestScore:   d.Score,
			Count:          1,
		})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Count > groups[j].Count
	})
	return groups
}
