package board

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// trackedTextPaths lists the candidate text-bearing fields inspected for
// display text and changed-path reporting, in priority order. Paths under
// "data" cover item payloads that nest their content one level down.
var trackedTextPaths = []string{
	"plainText",
	"text",
	"title",
	"content",
	"data.plainText",
	"data.text",
	"data.title",
	"data.content",
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

var htmlEntityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&amp;", "&",
)

// ExtractText returns the first non-empty normalized text found in the
// tracked candidate fields, or the empty string when no candidate yields text.
func ExtractText(document json.RawMessage) string {
	fields, err := decodeDocument(document)
	if err != nil {
		return ""
	}
	for _, path := range trackedTextPaths {
		value, ok := lookupPath(fields, path)
		if !ok {
			continue
		}
		text, isString := value.(string)
		if !isString {
			continue
		}
		if cleaned := cleanText(text); cleaned != "" {
			return cleaned
		}
	}
	return ""
}

// ChangedPaths reports which tracked fields differ between two documents
// under a stable textual normalization. The result is advisory display data;
// update detection itself rests on the content fingerprint.
func ChangedPaths(before, after json.RawMessage) []string {
	beforeFields, beforeErr := decodeDocument(before)
	afterFields, afterErr := decodeDocument(after)
	if beforeErr != nil && afterErr != nil {
		return nil
	}

	var changed []string
	for _, path := range trackedTextPaths {
		prior := normalizeTrackedValue(lookupPath(beforeFields, path))
		current := normalizeTrackedValue(lookupPath(afterFields, path))
		if prior != current {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

func decodeDocument(document json.RawMessage) (map[string]any, error) {
	if len(document) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(document, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func lookupPath(fields map[string]any, path string) (any, bool) {
	current := fields
	segments := strings.Split(path, ".")
	for index, segment := range segments {
		if current == nil {
			return nil, false
		}
		value, ok := current[segment]
		if !ok {
			return nil, false
		}
		if index == len(segments)-1 {
			return value, true
		}
		nested, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		current = nested
	}
	return nil, false
}

// normalizeTrackedValue folds absent values, nulls, strings and structured
// values into one comparable textual form.
func normalizeTrackedValue(value any, present bool) string {
	if !present || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func cleanText(raw string) string {
	withoutTags := htmlTagPattern.ReplaceAllString(raw, " ")
	decoded := htmlEntityReplacer.Replace(withoutTags)
	collapsed := whitespacePattern.ReplaceAllString(decoded, " ")
	return strings.TrimSpace(collapsed)
}
