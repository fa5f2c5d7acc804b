package compact

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type sortKind int

const (
	kindMissing sortKind = iota
	kindText
	kindTime
)

// sortKey is a record's ordering value. Dates, epoch milliseconds and
// numeric strings become kindTime with ms in num; other strings compare
// lexically; missing or null values sort as oldest.
type sortKey struct {
	kind sortKind
	num  float64
	text string
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseSortKey(raw json.RawMessage) sortKey {
	if len(raw) == 0 {
		return sortKey{}
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return sortKey{}
	}

	switch val := v.(type) {
	case float64:
		return sortKey{kind: kindTime, num: val}
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return sortKey{kind: kindTime, num: float64(t.UnixMilli())}
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return sortKey{kind: kindTime, num: f}
		}
		return sortKey{kind: kindText, text: s}
	case bool:
		if val {
			return sortKey{kind: kindTime, num: 1}
		}
		return sortKey{kind: kindTime, num: 0}
	default:
		return sortKey{}
	}
}

// newer reports whether a sorts before b in most-recent-first order.
func (a sortKey) newer(b sortKey) bool {
	if a.kind != b.kind {
		return a.kind > b.kind
	}
	switch a.kind {
	case kindTime:
		return a.num > b.num
	case kindText:
		return a.text > b.text
	default:
		return false
	}
}
