package presence

import "unicode/utf16"

var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// ColorFor picks a palette entry from a 32-bit string hash over UTF-16 code
// units, so browser clients computing the same hash agree on the color.
func ColorFor(userID string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(userID)) {
		h = h<<5 - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return palette[v%int64(len(palette))]
}
