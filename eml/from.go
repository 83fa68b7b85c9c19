package eml

import "strings"

// StandardizeFrom reduces a "From <display> <addr>" line to "From addr" using
// the last '<' and the last '>'. Lines without a well-ordered pair are
// returned unchanged.
func StandardizeFrom(line string) string {
	lt := strings.LastIndexByte(line, '<')
	gt := strings.LastIndexByte(line, '>')
	if lt < 0 || gt < 0 || lt > gt || len(line) < 5 {
		return line
	}
	return line[:5] + line[lt+1:gt]
}
