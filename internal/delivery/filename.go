package delivery

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	fallbackTitle  = "download"
	maxNameBytes   = 255
	timestampStamp = "20060102T150405"
)

// Filename is the attachment name for one download, in a UTF-8 form and a
// plain ASCII form for clients that ignore filename*.
type Filename struct {
	UTF8  string
	ASCII string
}

// NewFilename builds <title>_<quality>_<timestamp>.<ext>.
func NewFilename(title, quality, ext string, at time.Time) Filename {
	suffix := fmt.Sprintf("_%s_%s.%s", sanitizeTitle(quality), at.UTC().Format(timestampStamp), ext)
	base := sanitizeTitle(title)
	ascii := asciiTitle(base)
	return Filename{
		UTF8:  truncateName(base, maxNameBytes-len(suffix)) + suffix,
		ASCII: truncateName(ascii, maxNameBytes-len(suffix)) + suffix,
	}
}

// ContentDisposition renders an attachment header carrying both forms.
func (f Filename) ContentDisposition() string {
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, f.ASCII, encodeRFC5987(f.UTF8))
}

var windowsReserved = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {}, "com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {}, "lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// sanitizeTitle drops characters no common filesystem accepts in a name.
func sanitizeTitle(name string) string {
	name = strings.ToValidUTF8(name, "")
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
		case strings.ContainsRune(`/\?<>:*|"`, r):
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	out = strings.TrimRight(out, ". ")
	if out == "" {
		return fallbackTitle
	}
	if _, reserved := windowsReserved[strings.ToLower(strings.SplitN(out, ".", 2)[0])]; reserved {
		return fallbackTitle
	}
	return out
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// asciiTitle transliterates accents away and replaces whatever is left
// outside printable ASCII.
func asciiTitle(name string) string {
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	for _, r := range folded {
		switch {
		case r == '%' || r == ';' || r == '\'':
			b.WriteRune('_')
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_ ")
	if out == "" {
		return fallbackTitle
	}
	return out
}

func truncateName(name string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(name) <= limit {
		return name
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return strings.TrimRight(name[:cut], ". ")
}

// encodeRFC5987 percent-encodes everything outside attr-char.
func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
