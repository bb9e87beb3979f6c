package ngsild

import "time"

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
}

// ParseDateTime interprets v as an NGSI-LD DateTime. Strings and JSON-LD value objects
// ({"@type": "DateTime", "@value": "..."}) are accepted; timestamps without a zone are UTC.
func ParseDateTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range dateTimeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case map[string]any:
		if inner, ok := t["@value"]; ok {
			return ParseDateTime(inner)
		}
	}
	return time.Time{}, false
}
