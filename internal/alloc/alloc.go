// Package alloc provides page-aligned buffers for kernel I/O.
//
// Buffers come from anonymous mmap regions, so they live outside the Go heap
// and their address is stable for as long as the mapping exists. That makes
// them safe to hand to the kernel for in-flight io_uring operations, and
// page alignment satisfies the alignment requirements of O_DIRECT I/O.
//
// The IOLOOP_HUGE_PAGE_SIZE environment variable selects the large-page
// policy: "2MB" and "1GB" request explicit huge pages, anything else uses
// regular pages with 2MB-rounded region sizes.
package alloc

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ioloop/internal/constants"
	"github.com/ehrlich-b/go-ioloop/internal/logging"
)

const (
	twoMB = 2 * 1024 * 1024
	oneGB = 1024 * 1024 * 1024
)

// PageMode is the large-page policy of the allocator.
type PageMode int

const (
	// PageModeDefault uses regular pages, sized in 2MB multiples.
	PageModeDefault PageMode = iota
	// PageMode2MB requests explicit 2MB huge pages.
	PageMode2MB
	// PageMode1GB requests explicit 1GB huge pages.
	PageMode1GB
)

// ParsePageMode maps an IOLOOP_HUGE_PAGE_SIZE value to a PageMode.
func ParsePageMode(v string) PageMode {
	switch v {
	case "2MB":
		return PageMode2MB
	case "1GB":
		return PageMode1GB
	default:
		return PageModeDefault
	}
}

var (
	modeOnce sync.Once
	mode     PageMode
)

// Mode returns the process-wide page mode, reading the environment once.
func Mode() PageMode {
	modeOnce.Do(func() {
		v, ok := os.LookupEnv(constants.HugePageSizeEnvVar)
		if !ok {
			mode = PageModeDefault
			return
		}
		mode = ParsePageMode(v)
		if mode == PageModeDefault && v != "" {
			logging.Debug("unknown huge page size, using regular pages",
				"var", constants.HugePageSizeEnvVar, "value", v)
		}
	})
	return mode
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}

// Alloc returns a page-aligned buffer of exactly size bytes backed by an
// anonymous mapping of at least size bytes. Free releases it.
func Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc: invalid size %d", size)
	}

	var mapped []byte
	var err error
	switch Mode() {
	case PageMode2MB:
		mapped, err = mmap(roundUp(size, twoMB), unix.MAP_HUGETLB|unix.MAP_HUGE_2MB)
	case PageMode1GB:
		mapped, err = mmap(roundUp(size, oneGB), unix.MAP_HUGETLB|unix.MAP_HUGE_1GB)
	default:
		mapped, err = mmap(roundUp(size, twoMB), 0)
	}
	if err != nil && Mode() != PageModeDefault {
		// Explicit huge pages need reserved pages in the kernel pool.
		// Fall back to regular pages rather than failing the caller.
		logging.Debug("huge page allocation failed, falling back to regular pages",
			"size", size, "error", err)
		mapped, err = mmap(roundUp(size, twoMB), 0)
	}
	if err != nil {
		return nil, err
	}
	return mapped[:size], nil
}

// Free unmaps a buffer returned by Alloc.
func Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf[:cap(buf)])
}

func mmap(length int, extraFlags int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|extraFlags)
	if err != nil {
		return nil, fmt.Errorf("alloc: mmap of %d bytes failed: %w", length, err)
	}
	return buf, nil
}
