package connect

import (
	"sort"
	"strings"
	"time"
)

// SortOrder selects how a filtered view is ordered.
type SortOrder string

const (
	SortRecency      SortOrder = "recency"       // last activity, newest first
	SortAlphabetical SortOrder = "alphabetical"  // label, case-insensitive
	SortConnectedAt  SortOrder = "connected_at"  // connection date, newest first
	SortCategory     SortOrder = "category"      // category ordinal, then label
)

// categoryOrder fixes the display ordinal of known categories; unknown
// categories sort after all known ones.
var categoryOrder = []string{
	"finance",
	"government",
	"healthcare",
	"retail",
	"technology",
	"travel",
	"other",
}

func categoryRank(category string) int {
	for i, c := range categoryOrder {
		if c == category {
			return i
		}
	}
	return len(categoryOrder)
}

// Filter describes a view over the canonical connection set. Empty slices
// mean "no restriction"; ArchivedOnly selects exactly one side of the
// archive partition.
type Filter struct {
	Search        string
	Statuses      []Status
	Categories    []string
	FavoritesOnly bool
	ArchivedOnly  bool
	Tags          []string
	Sort          SortOrder
}

// matches applies the filter's matching rule to one record.
func (f *Filter) matches(r *ConnectionRecord) bool {
	if f.Search != "" {
		query := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.DisplayLabel), query) &&
			!strings.Contains(strings.ToLower(r.Description), query) &&
			!strings.Contains(strings.ToLower(r.Organization), query) {
			return false
		}
	}

	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if r.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.FavoritesOnly && !r.IsFavorite {
		return false
	}

	if f.ArchivedOnly != r.IsArchived {
		return false
	}

	if len(f.Tags) > 0 {
		found := false
		for _, t := range f.Tags {
			if r.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// ApplyFilter derives the filtered, sorted view from the canonical set.
// Returned records are copies.
func (p *Projection) ApplyFilter(f Filter) []*ConnectionRecord {
	p.mu.RLock()
	matched := make([]*ConnectionRecord, 0, len(p.records))
	for _, record := range p.records {
		if f.matches(record) {
			matched = append(matched, record.clone())
		}
	}
	p.mu.RUnlock()

	sortRecords(matched, f.Sort)
	return matched
}

func sortRecords(records []*ConnectionRecord, order SortOrder) {
	switch order {
	case SortAlphabetical:
		sort.SliceStable(records, func(i, j int) bool {
			return strings.ToLower(records[i].DisplayLabel) < strings.ToLower(records[j].DisplayLabel)
		})
	case SortConnectedAt:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		})
	case SortCategory:
		sort.SliceStable(records, func(i, j int) bool {
			ri, rj := categoryRank(records[i].Category), categoryRank(records[j].Category)
			if ri != rj {
				return ri < rj
			}
			return strings.ToLower(records[i].DisplayLabel) < strings.ToLower(records[j].DisplayLabel)
		})
	default: // SortRecency
		sort.SliceStable(records, func(i, j int) bool {
			return lastActivity(records[i]).After(lastActivity(records[j]))
		})
	}
}

// lastActivity is the recency sort key: last activity, falling back to the
// connection date for records that never saw traffic.
func lastActivity(r *ConnectionRecord) time.Time {
	if r.LastActiveAt != nil {
		return *r.LastActiveAt
	}
	return r.CreatedAt
}
