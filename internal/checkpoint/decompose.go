// Package checkpoint splits large work lists into ordered, effort-balanced checkpoints.
package checkpoint

import (
	"errors"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

var (
	ErrInvalidItems = errors.New("invalid work items")
	ErrUnknownSeq   = errors.New("unknown checkpoint")
	ErrOutOfOrder   = errors.New("checkpoint out of order")
)

// Options configure decomposition.
type Options struct {
	Threshold        int
	MaxPerCheckpoint int
	DefaultEffort    int
}

// Plan is one checkpoint before it is persisted.
type Plan struct {
	Seq    int      `json:"seq"`
	Items  []string `json:"items"`
	Effort int      `json:"effort"`
}

// Decompose returns no plans when the list is at or under the threshold.
// Otherwise it splits the list, in order, into ceil(n/MaxPerCheckpoint)
// contiguous groups whose effort is as even as the bounds allow. Items
// without an effort estimate use DefaultEffort.
func Decompose(items []domain.WorkItem, opts Options) ([]Plan, error) {
	if opts.MaxPerCheckpoint <= 0 || opts.DefaultEffort <= 0 {
		return nil, fmt.Errorf("%w: max per checkpoint and default effort must be positive", ErrInvalidItems)
	}
	seen := make(map[string]bool, len(items))
	efforts := make([]int, len(items))
	total := 0
	for i, it := range items {
		id := strings.TrimSpace(it.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: item %d has no id", ErrInvalidItems, i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate item %s", ErrInvalidItems, id)
		}
		seen[id] = true
		switch {
		case it.Effort < 0:
			return nil, fmt.Errorf("%w: item %s has negative effort", ErrInvalidItems, id)
		case it.Effort == 0:
			efforts[i] = opts.DefaultEffort
		default:
			efforts[i] = it.Effort
		}
		total += efforts[i]
	}
	n := len(items)
	if n <= opts.Threshold {
		return nil, nil
	}
	count := (n + opts.MaxPerCheckpoint - 1) / opts.MaxPerCheckpoint

	plans := make([]Plan, 0, count)
	next, remaining := 0, total
	for k := 0; k < count; k++ {
		groupsLeft := count - k
		itemsLeft := n - next
		lo := max(1, itemsLeft-(groupsLeft-1)*opts.MaxPerCheckpoint)
		hi := min(opts.MaxPerCheckpoint, itemsLeft-(groupsLeft-1))
		target := float64(remaining) / float64(groupsLeft)

		p := Plan{Seq: k + 1}
		for len(p.Items) < hi {
			e := efforts[next]
			if len(p.Items) >= lo && absf(float64(p.Effort+e)-target) > absf(float64(p.Effort)-target) {
				break
			}
			p.Items = append(p.Items, strings.TrimSpace(items[next].ID))
			p.Effort += e
			next++
		}
		remaining -= p.Effort
		plans = append(plans, p)
	}
	return plans, nil
}

// CanComplete reports whether checkpoint seq may be marked complete now.
// Checkpoints complete strictly in ascending order.
func CanComplete(cps []domain.Checkpoint, seq int) error {
	found := false
	for _, c := range cps {
		if c.Seq == seq {
			found = true
		}
		if c.Seq < seq && !c.Completed() {
			return fmt.Errorf("%w: checkpoint %d is not complete", ErrOutOfOrder, c.Seq)
		}
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownSeq, seq)
	}
	return nil
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
