/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package channel

import "sync"

// Tomb coordinates the shutdown of a single background goroutine: the owner
// calls Stop, the goroutine watches Stopping and calls Done when finished.
type Tomb struct {
	stopping chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewTomb creates a Tomb ready to hand to a goroutine.
func NewTomb() *Tomb {
	return &Tomb{
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Stopping returns the channel that is closed once a stop was requested.
func (t *Tomb) Stopping() <-chan struct{} {
	return t.stopping
}

// Stop requests the goroutine to exit and blocks until it calls Done.
func (t *Tomb) Stop() {
	t.once.Do(func() { close(t.stopping) })
	<-t.done
}

// Done marks the goroutine as finished.
func (t *Tomb) Done() {
	close(t.done)
}
