package markdown

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const historyTitle = "Iteration History"

var historyHeader = []string{"Time", "#", "Phase", "Action", "SHA", "Run"}

// FormatHistoryTime renders a history timestamp in the canonical "Mon D HH:MM"
// form, always in UTC.
func FormatHistoryTime(t time.Time) string {
	return t.UTC().Format("Jan 2 15:04")
}

// EnsureSection returns the section with the given title, creating an empty
// one at the end of the document when absent.
func (d *Document) EnsureSection(title string, depth int) *Section {
	if sec := d.Section(title); sec != nil {
		return sec
	}
	sec := &Section{Depth: depth, Title: title, dirty: true}
	d.Sections = append(d.Sections, sec)
	return sec
}

// AppendHistoryRow appends a row to the Iteration History table, creating the
// section and table if needed. The row's iteration number is assigned from
// the existing row count. When idempotencyKey is non-empty and a row with the
// same run ID and action already exists, nothing is appended and false is
// returned.
func (d *Document) AppendHistoryRow(e HistoryEntry, idempotencyKey string) bool {
	sec := d.EnsureSection(historyTitle, 2)
	table := findTable(sec)
	if table == nil {
		table = newHistoryTable()
		sec.Blocks = append(sec.Blocks, table)
	}

	rows := table.Children[1:]
	if idempotencyKey != "" {
		for _, row := range rows {
			have := parseHistoryRow(row)
			if have.RunID == idempotencyKey && have.Action == e.Action {
				return false
			}
		}
	}

	e.Iteration = len(rows) + 1
	table.Children = append(table.Children, historyRow(e))
	sec.markDirty()
	return true
}

func newHistoryTable() *Node {
	header := &Node{Kind: KindTableRow}
	for _, h := range historyHeader {
		header.Children = append(header.Children, cellOf(textNode(h)))
	}
	return &Node{Kind: KindTable, Children: []*Node{header}}
}

func historyRow(e HistoryEntry) *Node {
	row := &Node{Kind: KindTableRow}
	row.Children = append(row.Children,
		cellOf(textNode(orDash(e.Time))),
		cellOf(textNode(strconv.Itoa(e.Iteration))),
		cellOf(textNode(phaseCell(e.Phase))),
		cellOf(textNode(orDash(e.Action))),
		cellOf(textNode(orDash(e.SHA))),
		runCell(e.RunID, e.RunURL),
	)
	return row
}

func phaseCell(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runCell(id, url string) *Node {
	if id == "" {
		return cellOf(textNode("-"))
	}
	label := textNode(fmt.Sprintf("Run %s", id))
	if url == "" {
		return cellOf(label)
	}
	return cellOf(&Node{Kind: KindLink, URL: url, Children: []*Node{label}})
}

// TodoItem is one entry written by SetTodos.
type TodoItem struct {
	Text    string
	Checked bool
}

// SetTodos replaces the checkbox list under the Todos section, creating the
// section when absent. Non-list content in the section is preserved.
func (d *Document) SetTodos(items []TodoItem) {
	sec := d.Section("Todos", "Todo")
	if sec == nil {
		sec = d.EnsureSection("Todos", 2)
	}
	list := &Node{Kind: KindList}
	for _, it := range items {
		checked := it.Checked
		list.Children = append(list.Children, &Node{
			Kind:     KindListItem,
			Checked:  &checked,
			Children: []*Node{paragraphOf(textNode(it.Text))},
		})
	}
	replaceFirstList(sec, list)
}

// SetQuestions replaces the Questions list. Each item renders as a checkbox
// with the question text followed by its `id:slug` inline code.
func (d *Document) SetQuestions(qs []Question) {
	sec := d.EnsureSection("Questions", 2)
	list := &Node{Kind: KindList}
	for _, q := range qs {
		answered := q.Answered
		inline := []*Node{textNode(q.Text)}
		if q.ID != "" {
			inline = append(inline, textNode(" "), &Node{Kind: KindInlineCode, Text: "id:" + q.ID})
		}
		list.Children = append(list.Children, &Node{
			Kind:     KindListItem,
			Checked:  &answered,
			Children: []*Node{paragraphOf(inline...)},
		})
	}
	replaceFirstList(sec, list)
}

// SetBulletList replaces the plain bullet list under the named section.
func (d *Document) SetBulletList(title string, items []string) {
	sec := d.EnsureSection(title, 2)
	list := &Node{Kind: KindList}
	for _, it := range items {
		list.Children = append(list.Children, &Node{
			Kind:     KindListItem,
			Children: []*Node{paragraphOf(textNode(it))},
		})
	}
	replaceFirstList(sec, list)
}

// SetSectionText replaces a section's entire content with the given markdown
// fragment, creating the section when absent.
func (d *Document) SetSectionText(title, content string) {
	sec := d.EnsureSection(title, 2)
	sec.Blocks = parseBlocks(content)
	sec.markDirty()
}

// SetMainState writes the hidden CLAUDE_MAIN_STATE marker, replacing an
// existing marker in place or inserting one at the top of the document.
func (d *Document) SetMainState(state MainState) {
	parts := make([]string, len(state.SubIssues))
	for i, n := range state.SubIssues {
		parts[i] = strconv.Itoa(n)
	}
	marker := fmt.Sprintf("<!-- %s\nsub_issues: [%s]\n-->", MainStateMarker, strings.Join(parts, ", "))

	for _, sec := range d.Sections {
		for _, blk := range sec.Blocks {
			replaced := false
			blk.walk(func(n *Node) bool {
				if n.Kind == KindHTML && strings.Contains(n.Text, MainStateMarker) {
					n.Text = marker
					replaced = true
					return false
				}
				return true
			})
			if replaced {
				sec.markDirty()
				return
			}
		}
	}

	pre := d.preamble()
	pre.Blocks = append(pre.Blocks, &Node{Kind: KindHTML, Text: marker})
	pre.markDirty()
}

// preamble returns the section before the first heading, creating it when the
// document starts with a heading.
func (d *Document) preamble() *Section {
	if len(d.Sections) > 0 && d.Sections[0].Depth == 0 {
		return d.Sections[0]
	}
	pre := &Section{Depth: 0, dirty: true}
	d.Sections = append([]*Section{pre}, d.Sections...)
	return pre
}

func replaceFirstList(sec *Section, list *Node) {
	for i, blk := range sec.Blocks {
		if blk.Kind == KindList {
			sec.Blocks[i] = list
			sec.markDirty()
			return
		}
	}
	sec.Blocks = append(sec.Blocks, list)
	sec.markDirty()
}

func textNode(s string) *Node { return &Node{Kind: KindText, Text: s} }

func cellOf(children ...*Node) *Node {
	return &Node{Kind: KindTableCell, Children: children}
}

func paragraphOf(children ...*Node) *Node {
	return &Node{Kind: KindParagraph, Children: children}
}
