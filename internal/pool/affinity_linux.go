// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build linux

package pool

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling worker to a single logical CPU. The goroutine
// is locked to its OS thread first so the affinity mask stays with the
// worker for its lifetime. Failures are ignored; pinning is advisory.
func pinToCPU(cpu int) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
