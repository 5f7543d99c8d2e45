package util

import (
	"regexp"
	"strconv"
	"strings"
)

var tokenizer = regexp.MustCompile(`(\d+|\D+)`)

// NaturalSortLess compares two strings so that embedded numbers are ordered
// by value: "ch 2" sorts before "ch 10".
func NaturalSortLess(s1, s2 string) bool {
	t1 := tokenizer.FindAllString(s1, -1)
	t2 := tokenizer.FindAllString(s2, -1)
	for i := 0; i < min(len(t1), len(t2)); i++ {
		n1, err1 := strconv.Atoi(t1[i])
		n2, err2 := strconv.Atoi(t2[i])
		switch {
		case err1 == nil && err2 == nil:
			if n1 != n2 {
				return n1 < n2
			}
		case err1 == nil:
			return true // numbers first
		case err2 == nil:
			return false
		default:
			a, b := strings.ToLower(t1[i]), strings.ToLower(t2[i])
			if a != b {
				return a < b
			}
		}
	}
	return len(t1) < len(t2)
}
