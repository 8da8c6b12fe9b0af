// Package compare diffs two listing snapshots of the same target.
//
// The comparator knows nothing about subscriptions: it only classifies what
// changed between the previous and the new listing.
package compare

import (
	"sort"

	"github.com/bryan-buckman/showtracker/internal/model"
)

// ChangeSet is the result of comparing two snapshots.
type ChangeSet struct {
	// NewlyPresent holds titles found only in the new snapshot.
	NewlyPresent []string
	// NewShowtimes maps a title present in both snapshots to the showtimes
	// it gained, when its new showtime set strictly contains the old one.
	NewShowtimes map[string][]string
	// Removed holds titles found only in the previous snapshot. It is
	// informational and never triggers a notification.
	Removed []string
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.NewlyPresent) == 0 && len(c.NewShowtimes) == 0 && len(c.Removed) == 0
}

// AddedShowtimes returns the showtimes a title gained, matching the title by
// its normalized form.
func (c ChangeSet) AddedShowtimes(title string) ([]string, bool) {
	key := model.NormalizeTitle(title)
	for t, added := range c.NewShowtimes {
		if model.NormalizeTitle(t) == key {
			return added, true
		}
	}
	return nil, false
}

type entry struct {
	title string
	times map[string]string // normalized -> label as listed
}

func index(s *model.Snapshot) map[string]*entry {
	out := map[string]*entry{}
	if s == nil {
		return out
	}
	for _, m := range s.Movies {
		key := model.NormalizeTitle(m.Title)
		if key == "" {
			continue
		}
		e, ok := out[key]
		if !ok {
			e = &entry{title: m.Title, times: map[string]string{}}
			out[key] = e
		}
		for _, st := range m.Showtimes {
			k := model.NormalizeTime(st.Time)
			if k == "" {
				continue
			}
			if _, dup := e.times[k]; !dup {
				e.times[k] = st.Time
			}
		}
	}
	return out
}

// Diff compares prev (nil on the first observation of a target) with next.
// Showtimes compare by time only; a change of screen type alone is not a new
// showtime. The result is deterministic: all slices are sorted.
func Diff(prev *model.Snapshot, next model.Snapshot) ChangeSet {
	oldIdx := index(prev)
	newIdx := index(&next)

	cs := ChangeSet{NewShowtimes: map[string][]string{}}
	for key, ne := range newIdx {
		oe, ok := oldIdx[key]
		if !ok {
			cs.NewlyPresent = append(cs.NewlyPresent, ne.title)
			continue
		}
		if added := strictAdditions(oe.times, ne.times); len(added) > 0 {
			cs.NewShowtimes[ne.title] = added
		}
	}
	for key, oe := range oldIdx {
		if _, ok := newIdx[key]; !ok {
			cs.Removed = append(cs.Removed, oe.title)
		}
	}
	sort.Strings(cs.NewlyPresent)
	sort.Strings(cs.Removed)
	return cs
}

// strictAdditions returns the labels in next missing from prev, but only when
// next is a strict superset of prev. Equal, shrunken or reshuffled sets yield
// nothing.
func strictAdditions(prev, next map[string]string) []string {
	if len(next) <= len(prev) {
		return nil
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			return nil
		}
	}
	var added []string
	for k, label := range next {
		if _, ok := prev[k]; !ok {
			added = append(added, label)
		}
	}
	sort.Strings(added)
	return added
}
