// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// Duplicates returns the elements that appear more than once in a slice,
// each listed once in order of its second appearance
func Duplicates(ss []string) []string {
	seen := make(map[string]int, len(ss))
	var out []string
	for _, s := range ss {
		seen[s]++
		if seen[s] == 2 {
			out = append(out, s)
		}
	}
	return out
}
