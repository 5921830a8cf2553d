// Package fetch keeps only the latest request per slot. Starting a new call
// for a slot cancels the previous one, and a result that arrives after it was
// superseded is dropped.
package fetch

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned to a caller whose call was replaced by a newer
// one for the same slot.
var ErrSuperseded = errors.New("superseded by a newer request")

type entry struct {
	gen    uint64
	cancel context.CancelFunc
}

// Guard tracks the in-flight call for each slot. The zero value is ready to
// use.
type Guard struct {
	mu    sync.Mutex
	gen   uint64
	slots map[string]entry
}

// Do runs fn for slot. Any call already running for the same slot has its
// context cancelled and returns ErrSuperseded, whatever fn produced.
func Do[T any](ctx context.Context, g *Guard, slot string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, gen := g.begin(ctx, slot)
	v, err := fn(callCtx)

	if !g.finish(slot, gen) {
		var zero T
		return zero, ErrSuperseded
	}
	return v, err
}

// Apply runs fetch for slot and, if the call is still the latest when it
// returns, hands the result to apply while the slot is held. A newer call
// therefore cannot interleave between the freshness check and apply.
// apply must not call back into g.
func Apply[T any](ctx context.Context, g *Guard, slot string, fetch func(context.Context) (T, error), apply func(T) error) error {
	callCtx, gen := g.begin(ctx, slot)
	v, err := fetch(callCtx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.currentLocked(slot, gen) {
		return ErrSuperseded
	}
	defer g.releaseLocked(slot)
	if err != nil {
		return err
	}
	return apply(v)
}

// Cancel aborts the in-flight call for slot, if any.
func (g *Guard) Cancel(slot string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.slots[slot]; ok {
		e.cancel()
		delete(g.slots, slot)
	}
}

// CancelAll aborts every in-flight call.
func (g *Guard) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for slot, e := range g.slots {
		e.cancel()
		delete(g.slots, slot)
	}
}

// InFlight reports how many slots have a running call.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *Guard) begin(ctx context.Context, slot string) (context.Context, uint64) {
	callCtx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slots == nil {
		g.slots = make(map[string]entry)
	}
	if prev, ok := g.slots[slot]; ok {
		prev.cancel()
	}
	g.gen++
	g.slots[slot] = entry{gen: g.gen, cancel: cancel}
	return callCtx, g.gen
}

func (g *Guard) finish(slot string, gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.currentLocked(slot, gen) {
		return false
	}
	g.releaseLocked(slot)
	return true
}

func (g *Guard) currentLocked(slot string, gen uint64) bool {
	e, ok := g.slots[slot]
	return ok && e.gen == gen
}

func (g *Guard) releaseLocked(slot string) {
	g.slots[slot].cancel()
	delete(g.slots, slot)
}
