package decoder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"collab-sync-server/internal/database"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChecklistSource tells which parser produced a checklist.
type ChecklistSource int

const (
	ChecklistNone ChecklistSource = iota
	ChecklistStructured
	ChecklistMarkdown
)

// ChecklistData is the stored JSON form of a checklist cell.
type ChecklistData struct {
	Options           []database.SelectOption `json:"options"`
	SelectedOptionIDs []string                `json:"selected_option_ids"`
}

type ChecklistResult struct {
	Source ChecklistSource
	Data   ChecklistData
}

// ParseChecklist tries the structured form first and legacy markdown text
// second. Data that matches neither yields an empty checklist.
func ParseChecklist(raw string) ChecklistResult {
	if data, ok := tryStructured(raw); ok {
		return ChecklistResult{Source: ChecklistStructured, Data: data}
	}
	if data, ok := tryMarkdown(raw); ok {
		return ChecklistResult{Source: ChecklistMarkdown, Data: data}
	}
	return ChecklistResult{Source: ChecklistNone}
}

func tryStructured(raw string) (ChecklistData, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return ChecklistData{}, false
	}
	var data ChecklistData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ChecklistData{}, false
	}
	return data, true
}

var markdownItem = regexp.MustCompile(`^\s*[-*+]\s*\[([ xX]?)\]\s*(.*?)\s*$`)

// tryMarkdown parses lines like "- [x] Task". Option ids are derived from
// position and name so every replica assigns the same ids.
func tryMarkdown(raw string) (ChecklistData, bool) {
	var data ChecklistData
	for _, line := range strings.Split(raw, "\n") {
		m := markdownItem.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d:%s", len(data.Options), m[2]))).String()
		data.Options = append(data.Options, database.SelectOption{ID: id, Name: m[2]})
		if strings.EqualFold(m[1], "x") {
			data.SelectedOptionIDs = append(data.SelectedOptionIDs, id)
		}
	}
	return data, len(data.Options) > 0
}

// EncodeChecklist renders the structured form.
func EncodeChecklist(data ChecklistData) string {
	if data.Options == nil {
		data.Options = []database.SelectOption{}
	}
	if data.SelectedOptionIDs == nil {
		data.SelectedOptionIDs = []string{}
	}
	b, _ := json.Marshal(data)
	return string(b)
}

func newChecklist(data ChecklistData) Checklist {
	c := Checklist{Options: data.Options, SelectedOptionIDs: data.SelectedOptionIDs}
	total := len(c.Options)
	if total < 1 {
		total = 1
	}
	c.Percentage = decimal.NewFromInt(int64(c.selectedCount())).Div(decimal.NewFromInt(int64(total)))
	return c
}
