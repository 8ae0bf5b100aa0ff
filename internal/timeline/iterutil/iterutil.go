// Package iterutil is the streaming iterator toolkit: sorted merge of
// heterogeneous event streams, batched upsert, timestamp-deduplication, and
// a couple of standard conveniences. Every operation here is lazy and
// single-pass, realized as Go 1.23 range-over-func iterators (iter.Seq) per
// the "generator semantics" design note — the contract is ordering and
// item equality, not mechanism.
package iterutil

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"
)

// Timestamped is anything merge_sorted can order: a cashflow, a cumulative
// cashflow, a price update, or a sum type wrapping any of those.
type Timestamped interface {
	Timestamp() time.Time
}

// MergeSorted produces items from n already timestamp-sorted input streams
// in ascending timestamp order. Tie-break is stable by input index: of two
// items with equal timestamps, the one from the earlier stream in the
// streams slice is emitted first.
//
// Design mandate (see SPEC_FULL.md "merge-sort tie-break"): callers that
// need cumulative cashflows to precede price updates at equal timestamps
// must pass the cumulative-cashflow stream before the price-update stream.
// This function does not special-case event kinds; the ordering falls
// purely out of argument order, by design, so the rule is visible at every
// call site rather than buried here.
func MergeSorted[T Timestamped](streams ...iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		type cursor struct {
			next func() (T, bool, bool) // value, hasValue, more-to-pull
			stop func()
			val  T
			ok   bool
		}

		cursors := make([]*cursor, len(streams))
		for i, s := range streams {
			next, stop := iter.Pull(s)
			c := &cursor{stop: stop}
			c.next = func() (T, bool, bool) {
				v, ok := next()
				return v, ok, ok
			}
			cursors[i] = c
		}
		defer func() {
			for _, c := range cursors {
				c.stop()
			}
		}()

		for _, c := range cursors {
			v, ok, _ := c.next()
			c.val, c.ok = v, ok
		}

		for {
			best := -1
			for i, c := range cursors {
				if !c.ok {
					continue
				}
				if best == -1 || c.val.Timestamp().Before(cursors[best].val.Timestamp()) {
					best = i
				}
			}
			if best == -1 {
				return
			}

			v := cursors[best].val
			if !yield(v) {
				return
			}

			nv, ok, _ := cursors[best].next()
			cursors[best].val, cursors[best].ok = nv, ok
		}
	}
}

// Keyed is implemented by anything dedup_by_timestamp can collapse: items
// sharing a FullKey at the same timestamp are considered the same logical
// emission, and only the last one seen survives.
type Keyed interface {
	Timestamped
	FullKey() string
}

// DedupByTimestamp collapses adjacent items sharing the same FullKey and
// Timestamp, keeping only the last. Used to implement the authoritative
// rule from the design notes: "for identical full-key at identical
// timestamp, the last emission wins."
func DedupByTimestamp[T Keyed](seq iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		var (
			buffered  T
			hasBuffer bool
		)
		for item := range seq {
			if hasBuffer && buffered.FullKey() == item.FullKey() && buffered.Timestamp().Equal(item.Timestamp()) {
				buffered = item
				continue
			}
			if hasBuffer {
				if !yield(buffered) {
					return
				}
			}
			buffered, hasBuffer = item, true
		}
		if hasBuffer {
			yield(buffered)
		}
	}
}

// Inserter writes one batch of items and reports only whether it failed.
// Implemented by store repositories; kept minimal so batch_upsert stays
// storage-agnostic.
type Inserter[T any] interface {
	InsertBatch(ctx context.Context, tx *sql.Tx, items []T) error
}

// BatchUpsert buffers up to batchSize items from seq, flushes each batch via
// ins.InsertBatch (expected to use INSERT ... ON CONFLICT DO NOTHING on the
// target table's primary key), and forwards every original item downstream
// unchanged — so a caller can both persist and continue folding over the
// same stream in one pass.
func BatchUpsert[T any](ctx context.Context, tx *sql.Tx, ins Inserter[T], seq iter.Seq[T], batchSize int) iter.Seq2[T, error] {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return func(yield func(T, error) bool) {
		batch := make([]T, 0, batchSize)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			err := ins.InsertBatch(ctx, tx, batch)
			batch = batch[:0]
			return err
		}

		for item := range seq {
			batch = append(batch, item)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					yield(item, fmt.Errorf("batch upsert: %w", err))
					return
				}
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := flush(); err != nil {
			var zero T
			yield(zero, fmt.Errorf("batch upsert: final flush: %w", err))
		}
	}
}

// TakeWhile yields items from seq until pred first returns false.
func TakeWhile[T any](seq iter.Seq[T], pred func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for item := range seq {
			if !pred(item) {
				return
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Collect materializes seq into a slice.
func Collect[T any](seq iter.Seq[T]) []T {
	out := make([]T, 0)
	for item := range seq {
		out = append(out, item)
	}
	return out
}

// FromSlice is the standard adapter from an in-memory slice to iter.Seq,
// used to feed freshly loaded seed rows or small fixtures through the same
// kernels that consume cursored streams.
func FromSlice[T any](items []T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}
