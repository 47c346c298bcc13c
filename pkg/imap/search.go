// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package imap

import (
	"sort"
	"strconv"
	"strings"
)

// parseSearch collects the message numbers from every "* SEARCH" line.
// Duplicates and non-numeric tokens are dropped.
func parseSearch(lines []string) []int {
	seen := make(map[int]bool)
	var nums []int
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "*" || !strings.EqualFold(fields[1], "SEARCH") {
			continue
		}
		for _, f := range fields[2:] {
			n, err := strconv.Atoi(f)
			if err != nil || n <= 0 || seen[n] {
				continue
			}
			seen[n] = true
			nums = append(nums, n)
		}
	}
	return nums
}

// SelectRecent returns the `limit` largest distinct numbers in ascending
// order.
func SelectRecent(nums []int, limit int) []int {
	seen := make(map[int]bool, len(nums))
	uniq := make([]int, 0, len(nums))
	for _, n := range nums {
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(uniq)))
	if limit >= 0 && len(uniq) > limit {
		uniq = uniq[:limit]
	}
	sort.Ints(uniq)
	return uniq
}
