// Package resolver computes per-task hierarchy depth, blocked-by status,
// and the display ordering of a flat task list, grounded on
// DeepReef11-todoat/internal/views/filter.go (SortTasks,
// compareTasksForSort, normalizeStatus) and
// DeepReef11-todoat/internal/markdown/task.go (OrganizeTasksHierarchically),
// generalized from their ad hoc field-comparison switch into the fixed
// sibling ordering SPEC_FULL.md section 4.10 requires.
package resolver

import (
	"sort"
	"time"

	"cfait/internal/task"
)

// farFuture stands in for a nil Due date so it always sorts after any set
// date, without making dueRank return a pointer (and so needing a second
// nil check) at every call site.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Index is a uid-keyed lookup over a flat task list, built once and
// reused by Resolve, IsBlocked, and Depth.
type Index struct {
	byUID map[string]*task.Task
}

// NewIndex builds an Index over tasks. Later entries with a duplicate UID
// overwrite earlier ones, matching map semantics; callers are expected to
// pass a UID-unique list (the cache and codec both guarantee this).
func NewIndex(tasks []task.Task) *Index {
	idx := &Index{byUID: make(map[string]*task.Task, len(tasks))}
	for i := range tasks {
		idx.byUID[tasks[i].UID] = &tasks[i]
	}
	return idx
}

// Depth returns 1+Depth(parent) when t.ParentUID resolves to a task in
// the index within the same CalendarHref, else 0. A parent resolving to a
// different calendar is treated as unresolved (SPEC_FULL.md section
// 4.10's resolved Open Question). Cycles terminate by treating the first
// re-encountered ancestor as a root, matching the teacher's guard against
// infinite recursion in hierarchical organizing.
func (idx *Index) Depth(t *task.Task) int {
	visited := map[string]bool{t.UID: true}
	depth := 0
	cur := t
	for {
		if cur.ParentUID == "" {
			return depth
		}
		parent, ok := idx.byUID[cur.ParentUID]
		if !ok || parent.CalendarHref != cur.CalendarHref {
			return depth
		}
		if visited[parent.UID] {
			return depth
		}
		visited[parent.UID] = true
		depth++
		cur = parent
	}
}

// IsBlocked reports whether t has at least one dependency that resolves
// to a task whose status is still open (neither Completed nor Cancelled).
// A dependency UID the index cannot resolve does not block.
func (idx *Index) IsBlocked(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		if blocker, ok := idx.byUID[dep]; ok && blocker.Status.IsOpen() {
			return true
		}
	}
	return false
}

// Resolve returns tasks with Depth populated and ordered as a depth-first
// pre-order traversal rooted at every task with no resolvable parent,
// siblings ordered by (status order, priority descending with 0 last,
// due date ascending with nil last, summary).
func Resolve(tasks []task.Task) []task.Task {
	idx := NewIndex(tasks)
	for i := range tasks {
		tasks[i].Depth = idx.Depth(&tasks[i])
	}

	children := make(map[string][]*task.Task, len(tasks))
	var roots []*task.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Depth == 0 {
			roots = append(roots, t)
		} else {
			// Depth > 0 implies ParentUID resolved within this index
			// and calendar (see Depth above), so this lookup succeeds.
			children[t.ParentUID] = append(children[t.ParentUID], t)
		}
	}

	sortSiblings(roots)
	for _, group := range children {
		sortSiblings(group)
	}

	out := make([]task.Task, 0, len(tasks))
	visited := make(map[string]bool, len(tasks))
	var walk func(t *task.Task)
	walk = func(t *task.Task) {
		if visited[t.UID] {
			return
		}
		visited[t.UID] = true
		out = append(out, *t)
		for _, child := range children[t.UID] {
			walk(child)
		}
	}
	for _, r := range roots {
		walk(r)
	}

	// A pure ParentUID cycle leaves every member with Depth>0 (Depth
	// stops at the first re-encountered ancestor rather than reaching
	// 0), so none of roots descends into it and the walk above never
	// visits it. Surface the unreached members as additional roots
	// instead of silently dropping them from the output.
	var cycleRoots []*task.Task
	for i := range tasks {
		if !visited[tasks[i].UID] {
			cycleRoots = append(cycleRoots, &tasks[i])
		}
	}
	sortSiblings(cycleRoots)
	for _, r := range cycleRoots {
		walk(r)
	}

	return out
}

func sortSiblings(group []*task.Task) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if oa, ob := task.StatusOrder(a.Status), task.StatusOrder(b.Status); oa != ob {
			return oa < ob
		}
		if pa, pb := priorityRank(a.Priority), priorityRank(b.Priority); pa != pb {
			return pa < pb
		}
		if da, db := dueRank(a), dueRank(b); !da.Equal(db) {
			return da.Before(db)
		}
		return a.Summary < b.Summary
	})
}

// priorityRank sorts higher priority first, with unset (0) sorting last.
func priorityRank(p int) int {
	if p == 0 {
		return 1 << 30
	}
	return -p
}

func dueRank(t *task.Task) time.Time {
	if t.Due == nil {
		return farFuture
	}
	return *t.Due
}
