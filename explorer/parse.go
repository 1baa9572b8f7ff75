package explorer

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/net/html"
)

// doc is a loosely typed explorer JSON object.
type doc map[string]any

func decodeDoc(b []byte) (doc, error) {
	var d doc
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return d, nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// ident reads "x" or {"identifier": "x"}.
func ident(v any) string {
	if m, ok := v.(map[string]any); ok {
		return str(m["identifier"])
	}
	return str(v)
}

func amount(v any) (uint64, bool) {
	s := str(v)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

var tsFields = []string{"createdAt", "created_at", "timestamp", "time", "blockTime", "updatedAt"}

func (d doc) timeMs() int64 {
	for _, f := range tsFields {
		if ms := parseTs(d[f]); ms > 0 {
			return ms
		}
	}
	return 0
}

var (
	dmyRe   = regexp.MustCompile(`\b(\d{2})/(\d{2})/(\d{4})[ ,]+(\d{1,2}):(\d{2})(?::(\d{2}))?\b`)
	epochRe = regexp.MustCompile(`\b(1[6-9]\d{8}|2\d{9})(\d{3})?\b`)
	dtAttr  = regexp.MustCompile(`datetime="([^"]+)"`)
)

// parseTs reads a timestamp in any shape the explorer uses and returns unix
// millis, or 0. Numbers below 1e12 are seconds.
func parseTs(v any) int64 {
	s := str(v)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n <= 0 {
			return 0
		}
		if n < 1e12 {
			return int64(n * 1000)
		}
		return int64(n)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return parseDMY(s)
}

func parseDMY(s string) int64 {
	m := dmyRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	num := func(x string) int {
		n, _ := strconv.Atoi(x)
		return n
	}
	t := time.Date(num(m[3]), time.Month(num(m[2])), num(m[1]), num(m[4]), num(m[5]), num(m[6]), 0, time.UTC)
	return t.UnixMilli()
}

// timesInPage collects every timestamp an explorer page shows: datetime
// attributes, raw epochs and dd/mm/yyyy hh:mm text.
func timesInPage(page string) []int64 {
	var out []int64
	for _, m := range dtAttr.FindAllStringSubmatch(page, -1) {
		if ms := parseTs(m[1]); ms > 0 {
			out = append(out, ms)
		}
	}
	for _, m := range epochRe.FindAllString(page, -1) {
		if ms := parseTs(m); ms > 0 {
			out = append(out, ms)
		}
	}
	for _, m := range dmyRe.FindAllString(page, -1) {
		if ms := parseDMY(m); ms > 0 {
			out = append(out, ms)
		}
	}
	return out
}

// pageText returns the visible text of an HTML document, lower-cased and
// with whitespace collapsed.
func pageText(b []byte) string {
	root, err := html.Parse(bytes.NewReader(b))
	if err != nil {
		return strings.ToLower(string(b))
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.ToLower(strings.Join(strings.Fields(sb.String()), " "))
}

// amountVariants spells n the ways a page might print it.
func amountVariants(n uint64) []string {
	plain := strconv.FormatUint(n, 10)
	out := []string{plain}
	if len(plain) <= 3 {
		return out
	}
	for _, sep := range []string{",", ".", " "} {
		out = append(out, group(plain, sep))
	}
	return out
}

func group(digits, sep string) string {
	var sb strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		sb.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if sb.Len() > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(digits[i : i+3])
	}
	return sb.String()
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func decodeAny(b []byte, v *any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
