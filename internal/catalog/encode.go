// SPDX-License-Identifier: MIT

package catalog

import "strings"

// EncodePath percent-encodes raw filesystem path bytes into a URL-safe
// ASCII string. The bytes A-Z a-z 0-9 - . _ ~ / pass through unchanged;
// every other byte is written as %XX with uppercase hex. The encoding is
// applied once at catalog load time and never decoded server-side.
func EncodePath(path []byte) string {
	var b strings.Builder
	b.Grow(len(path))

	const hex = "0123456789ABCDEF"
	for _, c := range path {
		switch {
		case c >= 'A' && c <= 'Z',
			c >= 'a' && c <= 'z',
			c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
