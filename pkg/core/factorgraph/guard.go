// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

// reentrancyGuard breaks cycles in gradient pulls: a node that is already pulling returns immediately
// when it is reached again through a connector callback.
//
// It is scoped: acquire returns the release function, which callers defer, so a panic or an error in
// the middle of a pull still leaves the node usable.
type reentrancyGuard struct {
	active bool
}

// acquire returns ok=false if the guard is already held.
func (g *reentrancyGuard) acquire() (release func(), ok bool) {
	if g.active {
		return nil, false
	}
	g.active = true
	return func() { g.active = false }, true
}

// held reports whether a pull is in progress.
func (g *reentrancyGuard) held() bool {
	return g.active
}
