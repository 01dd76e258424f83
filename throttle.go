// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"sync"
)

// throttle runs up to Max funcs at a time and remembers the first
// error returned by any of them. After an error, funcs that have not
// started yet are skipped.
type throttle struct {
	Max int

	wg        sync.WaitGroup
	ch        chan struct{}
	setupOnce sync.Once
	mtx       sync.Mutex
	err       error
}

// Go waits for a free slot, then calls fn in a new goroutine.
func (t *throttle) Go(ctx context.Context, fn func() error) {
	t.setupOnce.Do(func() {
		if t.Max < 1 {
			t.Max = 1
		}
		t.ch = make(chan struct{}, t.Max)
	})
	select {
	case t.ch <- struct{}{}:
	case <-ctx.Done():
		t.Report(ctx.Err())
		return
	}
	t.wg.Add(1)
	go func() {
		defer func() {
			<-t.ch
			t.wg.Done()
		}()
		if t.Err() != nil {
			return
		}
		t.Report(fn())
	}()
}

func (t *throttle) Report(err error) {
	if err == nil {
		return
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *throttle) Err() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

// Wait waits for all started funcs to return, and returns the first
// error.
func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
