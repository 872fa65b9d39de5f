package protocol

import "golang.org/x/text/unicode/norm"

// NormalizeText returns s in Unicode NFC so that visually identical names
// and message bodies compare and index identically.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}
