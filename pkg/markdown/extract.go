package markdown

import (
	"regexp"
	"strconv"
	"strings"
)

// manualTodoPattern matches todo items that require a human. They are
// excluded from the unchecked count that gates review readiness.
var manualTodoPattern = regexp.MustCompile(`(?i)\[manual\]|\*\(manual\)\*`)

// runHeadingPattern matches agent-note run headings: "[Run 123](url) - Jan 2 15:04".
var runHeadingPattern = regexp.MustCompile(`^Run\s+(\d+)$`)

// questionIDPattern matches the trailing inline-code question identifier.
var questionIDPattern = regexp.MustCompile(`^id:(\S+)$`)

// mainStateSubIssuesPattern pulls the sub-issue list out of the hidden
// CLAUDE_MAIN_STATE marker.
var mainStateSubIssuesPattern = regexp.MustCompile(`sub_issues:\s*\[([^\]]*)\]`)

// MainStateMarker is the sentinel inside the hidden HTML comment that parent
// issues carry while the sub-issue relation propagates.
const MainStateMarker = "CLAUDE_MAIN_STATE"

// TodoStats summarizes the checkbox list under the Todos section.
type TodoStats struct {
	Total              int
	Completed          int
	UncheckedNonManual int
}

// Done reports whether no actionable todos remain.
func (t TodoStats) Done() bool { return t.UncheckedNonManual == 0 }

// Todos returns stats over the first section titled "Todo" or "Todos".
// Only checkbox items count; plain bullets are ignored.
func (d *Document) Todos() TodoStats {
	var stats TodoStats
	sec := d.Section("Todos", "Todo")
	if sec == nil {
		return stats
	}
	for _, blk := range sec.Blocks {
		blk.walk(func(n *Node) bool {
			if n.Kind != KindListItem || n.Checked == nil {
				return true
			}
			stats.Total++
			if *n.Checked {
				stats.Completed++
			} else if !manualTodoPattern.MatchString(n.PlainText()) {
				stats.UncheckedNonManual++
			}
			return true
		})
	}
	return stats
}

// TodoItems returns the checkbox items of the Todos section in order.
func (d *Document) TodoItems() []TodoItem {
	sec := d.Section("Todos", "Todo")
	if sec == nil {
		return nil
	}
	var items []TodoItem
	for _, blk := range sec.Blocks {
		blk.walk(func(n *Node) bool {
			if n.Kind == KindListItem && n.Checked != nil {
				items = append(items, TodoItem{
					Text:    strings.TrimSpace(n.PlainText()),
					Checked: *n.Checked,
				})
			}
			return true
		})
	}
	return items
}

// HistoryEntry is one row of the Iteration History table. String cells hold
// "" and Phase holds nil where the table showed the literal "-".
type HistoryEntry struct {
	Time      string
	Iteration int
	Phase     *int
	Action    string
	SHA       string
	RunID     string
	RunURL    string
}

// History returns the rows of the Iteration History table in order.
func (d *Document) History() []HistoryEntry {
	sec := d.Section("Iteration History")
	if sec == nil {
		return nil
	}
	table := findTable(sec)
	if table == nil || len(table.Children) < 2 {
		return nil
	}

	var entries []HistoryEntry
	for _, row := range table.Children[1:] {
		entries = append(entries, parseHistoryRow(row))
	}
	return entries
}

func parseHistoryRow(row *Node) HistoryEntry {
	var e HistoryEntry
	for i, cell := range row.Children {
		text := strings.TrimSpace(renderInline(cell.Children))
		if text == "-" {
			text = ""
		}
		switch i {
		case 0:
			e.Time = text
		case 1:
			e.Iteration, _ = strconv.Atoi(text)
		case 2:
			if text != "" {
				if p, err := strconv.Atoi(text); err == nil {
					e.Phase = &p
				}
			}
		case 3:
			e.Action = text
		case 4:
			e.SHA = text
		case 5:
			e.RunID, e.RunURL = parseRunCell(cell)
		}
	}
	return e
}

// parseRunCell extracts the run ID and URL from a "[Run 123](url)" cell.
func parseRunCell(cell *Node) (id, url string) {
	for _, c := range cell.Children {
		if c.Kind == KindLink {
			if m := runHeadingPattern.FindStringSubmatch(strings.TrimSpace(c.PlainText())); m != nil {
				return m[1], c.URL
			}
		}
	}
	text := strings.TrimSpace(cell.PlainText())
	if m := runHeadingPattern.FindStringSubmatch(text); m != nil {
		return m[1], ""
	}
	return "", ""
}

func findTable(sec *Section) *Node {
	for _, blk := range sec.Blocks {
		if blk.Kind == KindTable {
			return blk
		}
	}
	return nil
}

// Question is one item of the Questions section. The ID comes from a
// trailing inline-code "id:slug"; answered state from the checkbox.
type Question struct {
	ID       string
	Text     string
	Answered bool
}

// QuestionStats summarizes the Questions section.
type QuestionStats struct {
	Total      int
	Answered   int
	Unanswered int
}

// Questions returns the items under the Questions section.
func (d *Document) Questions() []Question {
	sec := d.Section("Questions")
	if sec == nil {
		return nil
	}
	var qs []Question
	for _, blk := range sec.Blocks {
		if blk.Kind != KindList {
			continue
		}
		for _, item := range blk.Children {
			q := Question{Text: strings.TrimSpace(item.PlainText())}
			if item.Checked != nil {
				q.Answered = *item.Checked
			}
			q.ID = questionID(item)
			qs = append(qs, q)
		}
	}
	return qs
}

// questionID finds the last inline-code node of the item's first paragraph.
func questionID(item *Node) string {
	var id string
	item.walk(func(n *Node) bool {
		if n.Kind == KindInlineCode {
			if m := questionIDPattern.FindStringSubmatch(strings.TrimSpace(n.Text)); m != nil {
				id = m[1]
			}
		}
		return true
	})
	return id
}

// QuestionStats returns counts over the Questions section.
func (d *Document) QuestionStats() QuestionStats {
	var stats QuestionStats
	for _, q := range d.Questions() {
		stats.Total++
		if q.Answered {
			stats.Answered++
		} else {
			stats.Unanswered++
		}
	}
	return stats
}

// AgentNote is one run record under the Agent Notes section.
type AgentNote struct {
	RunID     string
	RunURL    string
	Timestamp string
	Notes     []string
}

// AgentNotes parses "### [Run <id>](<url>) - <timestamp>" headings and the
// bullet list that follows each.
func (d *Document) AgentNotes() []AgentNote {
	sec := d.Section("Agent Notes")
	if sec == nil {
		return nil
	}
	var notes []AgentNote
	var cur *AgentNote
	for _, blk := range sec.Blocks {
		switch {
		case blk.Kind == KindHeading && blk.Depth >= 3:
			if cur != nil {
				notes = append(notes, *cur)
			}
			cur = parseRunHeading(blk)
		case blk.Kind == KindList && cur != nil:
			for _, item := range blk.Children {
				cur.Notes = append(cur.Notes, strings.TrimSpace(item.PlainText()))
			}
		}
	}
	if cur != nil {
		notes = append(notes, *cur)
	}
	return notes
}

func parseRunHeading(h *Node) *AgentNote {
	note := &AgentNote{}
	for _, c := range h.Children {
		if c.Kind == KindLink {
			if m := runHeadingPattern.FindStringSubmatch(strings.TrimSpace(c.PlainText())); m != nil {
				note.RunID = m[1]
				note.RunURL = c.URL
			}
		}
	}
	if note.RunID == "" {
		return nil
	}
	text := strings.TrimSpace(h.PlainText())
	if i := strings.LastIndex(text, " - "); i >= 0 {
		note.Timestamp = strings.TrimSpace(text[i+3:])
	}
	return note
}

// BodyStructure reports which ledger sections an issue body carries, plus the
// parsed content of the machine-relevant ones.
type BodyStructure struct {
	HasDescription        bool
	HasTodos              bool
	HasHistory            bool
	HasAgentNotes         bool
	HasQuestions          bool
	HasAffectedAreas      bool
	HasRequirements       bool
	HasApproach           bool
	HasAcceptanceCriteria bool
	HasTesting            bool
	HasRelated            bool

	Todos      TodoStats
	Questions  QuestionStats
	History    []HistoryEntry
	AgentNotes []AgentNote
}

// Structure inspects every known section in one pass.
func (d *Document) Structure() BodyStructure {
	return BodyStructure{
		HasDescription:        d.HasSection("Description"),
		HasTodos:              d.HasSection("Todos", "Todo"),
		HasHistory:            d.HasSection("Iteration History"),
		HasAgentNotes:         d.HasSection("Agent Notes"),
		HasQuestions:          d.HasSection("Questions"),
		HasAffectedAreas:      d.HasSection("Affected Areas"),
		HasRequirements:       d.HasSection("Requirements"),
		HasApproach:           d.HasSection("Approach"),
		HasAcceptanceCriteria: d.HasSection("Acceptance Criteria"),
		HasTesting:            d.HasSection("Testing"),
		HasRelated:            d.HasSection("Related"),
		Todos:                 d.Todos(),
		Questions:             d.QuestionStats(),
		History:               d.History(),
		AgentNotes:            d.AgentNotes(),
	}
}

// SectionText returns the rendered body of a section without its heading,
// or "" when the section is absent.
func (d *Document) SectionText(names ...string) string {
	sec := d.Section(names...)
	if sec == nil {
		return ""
	}
	var parts []string
	for _, blk := range sec.Blocks {
		parts = append(parts, renderBlock(blk, ""))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// ListItems returns the plain text of the bullet items under a section.
func (d *Document) ListItems(names ...string) []string {
	sec := d.Section(names...)
	if sec == nil {
		return nil
	}
	var items []string
	for _, blk := range sec.Blocks {
		if blk.Kind != KindList {
			continue
		}
		for _, item := range blk.Children {
			items = append(items, strings.TrimSpace(item.PlainText()))
		}
	}
	return items
}

// MainState is the machine-readable payload of the CLAUDE_MAIN_STATE marker.
type MainState struct {
	SubIssues []int
}

// MainState returns the parsed marker payload and whether the marker exists.
func (d *Document) MainState() (MainState, bool) {
	var state MainState
	found := false
	for _, sec := range d.Sections {
		for _, blk := range sec.Blocks {
			blk.walk(func(n *Node) bool {
				if n.Kind != KindHTML || !strings.Contains(n.Text, MainStateMarker) {
					return true
				}
				found = true
				if m := mainStateSubIssuesPattern.FindStringSubmatch(n.Text); m != nil {
					for _, part := range strings.Split(m[1], ",") {
						if num, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
							state.SubIssues = append(state.SubIssues, num)
						}
					}
				}
				return false
			})
			if found {
				return state, true
			}
		}
	}
	return state, false
}
