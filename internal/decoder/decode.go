package decoder

import (
	"encoding/json"
	"strconv"
	"strings"

	"collab-sync-server/internal/database"
)

// Decode interprets raw cell data under field type t. It never fails: data
// that does not parse decodes to the empty value of the type.
func Decode(t database.FieldType, raw string, opts database.TypeOption) Value {
	switch t {
	case database.FieldRichText, database.FieldURL, database.FieldSummary, database.FieldTranslate:
		return Text{Type: t, Content: raw}
	case database.FieldNumber:
		format := ParseNumberFormat(opts["format"])
		d, ok := DecodeNumber(format, raw)
		return Number{Value: d, Format: format, Set: ok}
	case database.FieldDateTime, database.FieldCreatedTime, database.FieldLastEditedTime:
		return decodeDate(t, raw, opts)
	case database.FieldSingleSelect, database.FieldMultiSelect:
		return decodeSelect(t, raw, opts)
	case database.FieldCheckbox:
		return Checkbox{Checked: parseChecked(raw)}
	case database.FieldChecklist:
		return newChecklist(ParseChecklist(raw).Data)
	case database.FieldTime:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		return Time{Seconds: n, Set: err == nil}
	case database.FieldRelation, database.FieldPerson, database.FieldMedia, database.FieldRollup:
		return List{Type: t, Items: parseList(raw)}
	}
	return Text{Type: t, Content: raw}
}

// DecodeCell decodes a cell under its field's current type. A missing cell
// decodes to the empty value.
func DecodeCell(f database.Field, cell database.Cell, ok bool) Value {
	if !ok {
		return Decode(f.Type, "", f.TypeOption())
	}
	return Decode(f.Type, cell.Data, f.TypeOption())
}

func parseChecked(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true", "1":
		return true
	}
	return false
}

type dateData struct {
	Timestamp    json.Number `json:"timestamp"`
	EndTimestamp json.Number `json:"end_timestamp"`
	IncludeTime  bool        `json:"include_time"`
	IsRange      bool        `json:"is_range"`
}

func decodeDate(t database.FieldType, raw string, opts database.TypeOption) Date {
	v := Date{Type: t}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return v
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		v.Start, v.Set = n, true
		v.IncludeTime, _ = opts["include_time"].(bool)
		return v
	}
	var data dateData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return v
	}
	start, err := data.Timestamp.Int64()
	if err != nil {
		return v
	}
	v.Start, v.Set = start, true
	v.IncludeTime = data.IncludeTime
	if end, err := data.EndTimestamp.Int64(); err == nil && data.IsRange {
		v.End, v.IsRange = end, true
	}
	return v
}

// EncodeDate renders the structured date form.
func EncodeDate(v Date) string {
	data := map[string]any{
		"timestamp":    v.Start,
		"include_time": v.IncludeTime,
		"is_range":     v.IsRange,
	}
	if v.IsRange {
		data["end_timestamp"] = v.End
	}
	b, _ := json.Marshal(data)
	return string(b)
}

// SelectOptions reads the option list from a select field's option blob.
func SelectOptions(opts database.TypeOption) []database.SelectOption {
	list, _ := opts["options"].([]any)
	out := make([]database.SelectOption, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		o := database.SelectOption{}
		o.ID, _ = m["id"].(string)
		o.Name, _ = m["name"].(string)
		o.Color, _ = m["color"].(string)
		if o.ID != "" {
			out = append(out, o)
		}
	}
	return out
}

// decodeSelect resolves comma separated option ids. Tokens that are not
// ids are matched against option names, which covers cells written as text
// before the field became a select. Unknown tokens are dropped.
func decodeSelect(t database.FieldType, raw string, opts database.TypeOption) Select {
	options := SelectOptions(opts)
	v := Select{Type: t}
	seen := make(map[string]bool)
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		for _, o := range options {
			if (o.ID == token || strings.EqualFold(o.Name, token)) && !seen[o.ID] {
				seen[o.ID] = true
				v.Selected = append(v.Selected, o)
				break
			}
		}
		if t == database.FieldSingleSelect && len(v.Selected) > 0 {
			break
		}
	}
	return v
}

// parseList accepts a JSON array of ids or of objects, or comma separated
// ids.
func parseList(raw string) []ListItem {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err == nil {
			items := make([]ListItem, 0, len(ids))
			for _, id := range ids {
				items = append(items, ListItem{ID: id})
			}
			return items
		}
		var items []ListItem
		if err := json.Unmarshal([]byte(raw), &items); err == nil {
			return items
		}
		return nil
	}
	var items []ListItem
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			items = append(items, ListItem{ID: id})
		}
	}
	return items
}
