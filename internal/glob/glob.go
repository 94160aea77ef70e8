// Package glob matches strings against shell-style patterns.
//
// Unlike path.Match, '*' and '?' match any character including '/' and '.',
// because patterns here select action names, hosts and parameter values rather
// than filesystem paths.
//
// Supported syntax:
//
//	*        any sequence of characters (including empty)
//	?        exactly one character
//	[abc]    one character from the set
//	[a-z]    one character from the range
//	[!a-z]   one character not in the range ('^' is accepted as well)
//	\c       the literal character c
package glob

import (
	"errors"
	"unicode/utf8"
)

// ErrBadPattern is returned by Valid for malformed character classes.
var ErrBadPattern = errors.New("syntax error in pattern")

// Match reports whether name matches pattern. A malformed pattern never matches.
func Match(pattern, name string) bool {
	ok, err := match(pattern, name)
	return err == nil && ok
}

// Valid reports ErrBadPattern when pattern contains an unterminated class or
// a dangling escape.
func Valid(pattern string) error {
	for i := 0; i < len(pattern); {
		switch pattern[i] {
		case '\\':
			if i+1 >= len(pattern) {
				return ErrBadPattern
			}
			_, w := utf8.DecodeRuneInString(pattern[i+1:])
			i += 1 + w
		case '[':
			_, _, n, err := parseClass(pattern[i:], 0)
			if err != nil {
				return err
			}
			i += n
		default:
			i++
		}
	}
	return nil
}

// match walks pattern and name with single-star backtracking, so worst-case
// cost stays O(len(pattern)*len(name)).
func match(pattern, name string) (bool, error) {
	var (
		p, n         int
		starP, starN = -1, -1
	)
	for n < len(name) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starN = p, n
				p++
				continue
			case '?':
				_, w := utf8.DecodeRuneInString(name[n:])
				p++
				n += w
				continue
			case '[':
				r, w := utf8.DecodeRuneInString(name[n:])
				ok, _, size, err := parseClass(pattern[p:], r)
				if err != nil {
					return false, err
				}
				if ok {
					p += size
					n += w
					continue
				}
			case '\\':
				if p+1 >= len(pattern) {
					return false, ErrBadPattern
				}
				pr, pw := utf8.DecodeRuneInString(pattern[p+1:])
				r, w := utf8.DecodeRuneInString(name[n:])
				if pr == r {
					p += 1 + pw
					n += w
					continue
				}
			default:
				pr, pw := utf8.DecodeRuneInString(pattern[p:])
				r, w := utf8.DecodeRuneInString(name[n:])
				if pr == r {
					p += pw
					n += w
					continue
				}
			}
		}
		if starP < 0 {
			return false, Valid(pattern[p:])
		}
		// Let the last star absorb one more character and retry.
		_, w := utf8.DecodeRuneInString(name[starN:])
		starN += w
		p, n = starP+1, starN
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	if p != len(pattern) {
		return false, Valid(pattern[p:])
	}
	return true, nil
}

// parseClass evaluates the class at the start of pattern against r. It
// returns whether r is in the class, the class's negation flag and the number
// of pattern bytes consumed.
func parseClass(pattern string, r rune) (matched, negated bool, size int, err error) {
	i := 1 // skip '['
	if i < len(pattern) && (pattern[i] == '!' || pattern[i] == '^') {
		negated = true
		i++
	}
	first := true
	for {
		if i >= len(pattern) {
			return false, false, 0, ErrBadPattern
		}
		if pattern[i] == ']' && !first {
			i++
			break
		}
		first = false

		lo, w, err := classRune(pattern, i)
		if err != nil {
			return false, false, 0, err
		}
		i += w
		hi := lo
		if i+1 < len(pattern) && pattern[i] == '-' && pattern[i+1] != ']' {
			hi, w, err = classRune(pattern, i+1)
			if err != nil {
				return false, false, 0, err
			}
			i += 1 + w
		}
		if lo <= r && r <= hi {
			matched = true
		}
	}
	return matched != negated, negated, i, nil
}

func classRune(pattern string, i int) (rune, int, error) {
	if pattern[i] == '\\' {
		if i+1 >= len(pattern) {
			return 0, 0, ErrBadPattern
		}
		r, w := utf8.DecodeRuneInString(pattern[i+1:])
		return r, 1 + w, nil
	}
	r, w := utf8.DecodeRuneInString(pattern[i:])
	return r, w, nil
}

// Escape returns s with every metacharacter backslash-escaped so that the
// result matches only s itself.
func Escape(s string) string {
	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			buf = append(buf, '\\')
		}
		buf = append(buf, s[i])
	}
	return string(buf)
}
