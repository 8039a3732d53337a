// Package cpuset determines how many CPUs this machine (or a given pid) is
// allowed to schedule on. The coordinator only ever reasons about CPU
// *counts*, never individual CPU IDs (that's the out-of-scope mask-based
// policy), so this package is deliberately narrower than the CPUSet algebra
// it's adapted from: it answers "how many" via /proc, not "which ones".
package cpuset

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Parse converts a Linux CPU list formatted string into a unix.CPUSet.
//
// See: http://man7.org/linux/man-pages/man7/cpuset.7.html#FORMATS
//
// Code adapted from https://github.com/kubernetes/kubernetes/blob/v1.27.10/pkg/kubelet/cm/cpuset/cpuset.go#L201
//
// Apache License 2.0
func Parse(s string) (unix.CPUSet, error) {
	var set unix.CPUSet

	if s == "" {
		return set, fmt.Errorf("cannot parse empty string")
	}

	// Split CPU list string:
	// "0-5,34,46-48" => ["0-5", "34", "46-48"]
	ranges := strings.Split(s, ",")

	for _, r := range ranges {
		boundaries := strings.SplitN(r, "-", 2)
		if len(boundaries) == 1 {
			elem, err := strconv.Atoi(boundaries[0])
			if err != nil {
				return set, err
			}
			set.Set(elem)
		} else if len(boundaries) == 2 {
			start, err := strconv.Atoi(boundaries[0])
			if err != nil {
				return set, err
			}
			end, err := strconv.Atoi(boundaries[1])
			if err != nil {
				return set, err
			}
			if start > end {
				return set, fmt.Errorf("invalid range %q (%d > %d)", r, start, end)
			}
			for e := start; e <= end; e++ {
				set.Set(e)
			}
		}
	}
	return set, nil
}

func allowedList(pid int) (string, error) {
	filename := fmt.Sprintf("/proc/%d/status", pid)
	b, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}

	const item = "Cpus_allowed_list:"
	_, b, found := bytes.Cut(b, []byte(item))
	if !found {
		return "", fmt.Errorf("did not find %q in %q", item, filename)
	}

	b, _, found = bytes.Cut(b, []byte("\n"))
	if !found {
		return "", fmt.Errorf("expected to find a new line after %q", item)
	}

	b = bytes.TrimSpace(b)
	return string(b), nil
}

// CPUSetOfPid returns the CPUs pid is allowed to schedule on.
func CPUSetOfPid(pid int) (set unix.CPUSet, err error) {
	list, err := allowedList(pid)
	if err != nil {
		return set, err
	}
	return Parse(list)
}

// SystemSize returns the number of CPUs the init process (pid 1) is allowed
// to schedule on, used as the node's total CPU count when nothing more
// specific is configured. Falls back to runtime.NumCPU's view via the
// calling process's own mask if pid 1's status is unreadable (e.g. inside
// some containers).
func SystemSize() (int, error) {
	set, err := CPUSetOfPid(1)
	if err != nil {
		set, err = CPUSetOfPid(os.Getpid())
		if err != nil {
			return 0, err
		}
	}
	return set.Count(), nil
}
