package utils

import (
	"context"
	"runtime"
	"sync"

	"go.viam.com/utils"
)

// ParallelFactor is the number of goroutines work is split across. Tests may lower it.
var ParallelFactor = parallelFactor(runtime.GOMAXPROCS(0))

// parallelFactor uses every processor on small machines and a quarter of them beyond 32.
func parallelFactor(procs int) int {
	if procs <= 0 {
		return 1
	}
	if procs > 32 {
		return procs / 4
	}
	return procs
}

type (
	// ItemWorkFunc processes one work item.
	ItemWorkFunc func(item int)
	// GroupDoneFunc runs once all items of a group were processed; useful to merge per-group
	// accumulators.
	GroupDoneFunc func()
	// GroupWorkFunc prepares the group covering items [from, to). Either returned function may be
	// nil.
	GroupWorkFunc func(group, from, to int) (ItemWorkFunc, GroupDoneFunc)
)

// bands splits n items into at most ParallelFactor contiguous, non empty ranges. The last range
// takes the remainder.
func bands(n int) [][2]int {
	groups := min(ParallelFactor, n)
	if groups <= 0 {
		return nil
	}
	size := n / groups
	out := make([][2]int, groups)
	for g := range out {
		out[g] = [2]int{g * size, (g + 1) * size}
	}
	out[groups-1][1] = n
	return out
}

// GroupWorkParallel runs the groups covering totalSize items concurrently and waits for them.
// ctx is only checked before starting; running groups are not interrupted.
func GroupWorkParallel(ctx context.Context, totalSize int, groupWork GroupWorkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for g, band := range bands(totalSize) {
		wg.Add(1)
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			item, done := groupWork(g, band[0], band[1])
			if item != nil {
				for i := band[0]; i < band[1]; i++ {
					item(i)
				}
			}
			if done != nil {
				done()
			}
		})
	}
	wg.Wait()
	return nil
}

// ParallelForEachRow calls f for every row in [0, rows), splitting the rows in bands.
func ParallelForEachRow(rows int, f func(y int)) {
	if ParallelFactor <= 1 || rows <= 1 {
		for y := 0; y < rows; y++ {
			f(y)
		}
		return
	}
	//nolint:errcheck
	GroupWorkParallel(context.Background(), rows, func(_, _, _ int) (ItemWorkFunc, GroupDoneFunc) {
		return ItemWorkFunc(f), nil
	})
}
