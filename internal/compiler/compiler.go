// Package compiler turns the unordered register fragments declared by bus
// objects into a minimal, non-overlapping set of polls per slave, grouped
// by merging and optionally by adjacency into block reads.
//
// The merge-fold algorithm is the same shape as the teacher library's
// GroupDeviceRegisterWithLogicalContinuity (group.go): bucket by
// slave+kind, sort by start address, fold left merging overlapping (or,
// in "group consecutive" mode, adjacent) spans into one accumulator.
package compiler

import (
	"sort"
	"time"

	"github.com/modmqttd/modmqttd/internal/register"
)

// Fragment is one input declaration: a register span with its refresh
// requirement and delay policy, as declared by a single bus object.
type Fragment struct {
	Ref     register.Ref
	Refresh time.Duration // register.InvalidRefresh if unreferenced
	Delay   register.DelayPolicy
}

// Options controls the grouping pass.
type Options struct {
	// GroupConsecutive joins adjacent (same slave/kind, touching) spans
	// into one poll even when they never overlapped.
	GroupConsecutive bool
}

type bucketKey struct {
	slave register.Address
	kind  register.Type
}

// Compile produces, for each slave, the minimal non-overlapping set of
// polls covering every fragment, with refresh equal to the minimum of the
// contributing fragments' refreshes. Fragments left at register.InvalidRefresh
// after merging are dropped (declared in the modbus section but never
// referenced by any bus object).
func Compile(fragments []Fragment, opts Options) map[register.Address][]*register.Poll {
	buckets := make(map[bucketKey][]Fragment)
	for _, f := range fragments {
		k := bucketKey{slave: f.Ref.Slave, kind: f.Ref.Kind}
		buckets[k] = append(buckets[k], f)
	}

	out := make(map[register.Address][]*register.Poll)
	for key, frags := range buckets {
		merged := foldMerge(frags, false)
		if opts.GroupConsecutive {
			merged = foldMerge(merged, true)
		}
		for _, m := range merged {
			if m.Refresh == register.InvalidRefresh {
				continue
			}
			out[key.slave] = append(out[key.slave], &register.Poll{
				Ref:     m.Ref,
				Refresh: m.Refresh,
				Delay:   m.Delay,
			})
		}
	}
	for slave := range out {
		sort.Slice(out[slave], func(i, j int) bool {
			return out[slave][i].Ref.FirstRegister < out[slave][j].Ref.FirstRegister
		})
	}
	return out
}

// foldMerge sorts by start address and folds left, merging the next
// fragment into the accumulator whenever it overlaps (or, when
// includeAdjacent is true, is merely adjacent to) the accumulator's span.
func foldMerge(frags []Fragment, includeAdjacent bool) []Fragment {
	if len(frags) == 0 {
		return nil
	}
	sorted := make([]Fragment, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Ref.FirstRegister != sorted[j].Ref.FirstRegister {
			return sorted[i].Ref.FirstRegister < sorted[j].Ref.FirstRegister
		}
		return sorted[i].Ref.Last() < sorted[j].Ref.Last()
	})

	result := make([]Fragment, 0, len(sorted))
	acc := sorted[0]
	for _, next := range sorted[1:] {
		touches := acc.Ref.Overlaps(next.Ref) || (includeAdjacent && acc.Ref.Adjacent(next.Ref))
		if touches {
			acc.Ref = unionRef(acc.Ref, next.Ref)
			acc.Refresh = minRefresh(acc.Refresh, next.Refresh)
			acc.Delay = tighterDelay(acc.Delay, next.Delay)
		} else {
			result = append(result, acc)
			acc = next
		}
	}
	result = append(result, acc)
	return result
}

func unionRef(a, b register.Ref) register.Ref {
	first := a.FirstRegister
	if b.FirstRegister < first {
		first = b.FirstRegister
	}
	last := a.Last()
	if b.Last() > last {
		last = b.Last()
	}
	return register.Ref{
		Slave:         a.Slave,
		Kind:          a.Kind,
		FirstRegister: first,
		Count:         last - first + 1,
	}
}

// minRefresh returns the stricter (smaller) refresh; register.InvalidRefresh
// never wins over a real requirement, since any real freshness requirement
// from a bus object must be honored even if another fragment covering the
// same address was merely declared, unreferenced.
func minRefresh(a, b time.Duration) time.Duration {
	if a == register.InvalidRefresh {
		return b
	}
	if b == register.InvalidRefresh {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// tighterDelay keeps whichever policy demands more silence; EveryTime beats
// OnSlaveChange beats Never, and within the same kind the larger duration
// wins, matching the "stricter requirement wins" tie-break used for refresh.
func tighterDelay(a, b register.DelayPolicy) register.DelayPolicy {
	rank := func(k register.DelayKind) int {
		switch k {
		case register.EveryTime:
			return 2
		case register.OnSlaveChange:
			return 1
		default:
			return 0
		}
	}
	ra, rb := rank(a.Kind), rank(b.Kind)
	if ra != rb {
		if ra > rb {
			return a
		}
		return b
	}
	if a.Duration >= b.Duration {
		return a
	}
	return b
}
