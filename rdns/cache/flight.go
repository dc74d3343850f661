/*
 * Copyright (c) 2025 rdnsd project
 */

package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Flight collapses concurrent resolutions of the same fingerprint: at any
// instant at most one resolution per key is in flight. Waiters whose
// context expires get the context error (the dispatcher maps it to
// SERVFAIL) while the owner keeps running so the result still lands in
// the cache for the next query.
type Flight struct {
	group singleflight.Group
}

// Do runs fn under the single-flight gate for key. The returned shared
// flag is true when the result was handed to more than one caller (the
// caller whose fn ran included), and also when ctx ends before the
// result arrives.
func (f *Flight) Do(ctx context.Context, key string, fn func() (any, error)) (any, bool, error) {
	ch := f.group.DoChan(key, fn)
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}

// Background runs fn under the gate without waiting for the result; used
// for prefetch and serve-stale refreshes. If a foreground resolution for
// the same key is already active the refresh melds into it.
func (f *Flight) Background(key string, fn func() (any, error)) {
	ch := f.group.DoChan(key, fn)
	go func() {
		<-ch
	}()
}
