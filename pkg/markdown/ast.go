// Package markdown parses GitHub issue bodies into a section-oriented AST,
// provides typed extractors for the structured parts the automation relies on
// (todos, iteration history, questions, agent notes) and mutators that edit
// individual sections while preserving every untouched section byte for byte.
package markdown

// NodeKind identifies the type of an AST node.
type NodeKind string

const (
	KindHeading       NodeKind = "heading"
	KindParagraph     NodeKind = "paragraph"
	KindList          NodeKind = "list"
	KindListItem      NodeKind = "listItem"
	KindText          NodeKind = "text"
	KindInlineCode    NodeKind = "inlineCode"
	KindLink          NodeKind = "link"
	KindTable         NodeKind = "table"
	KindTableRow      NodeKind = "tableRow"
	KindTableCell     NodeKind = "tableCell"
	KindCodeBlock     NodeKind = "code"
	KindHTML          NodeKind = "html"
	KindBlockquote    NodeKind = "blockquote"
	KindThematicBreak NodeKind = "thematicBreak"
)

// Node is a single Markdown AST node. Which fields are meaningful depends on
// Kind: Depth for headings, Ordered/Start for lists, Checked for task-list
// items (nil when the item carries no checkbox), Text for text/inlineCode/
// code/html content, URL for links and Info for code fence info strings.
type Node struct {
	Kind     NodeKind
	Depth    int
	Ordered  bool
	Start    int
	Checked  *bool
	Text     string
	URL      string
	Info     string
	Children []*Node
}

// PlainText returns the concatenated visible text of the node tree. Emphasis
// markers survive conversion as literal asterisks, so patterns like
// "*(manual)*" remain detectable here.
func (n *Node) PlainText() string {
	switch n.Kind {
	case KindText, KindInlineCode:
		return n.Text
	case KindHTML, KindCodeBlock:
		return ""
	}
	var out string
	for _, c := range n.Children {
		out += c.PlainText()
	}
	return out
}

// walk visits n and all descendants until fn returns false.
func (n *Node) walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.walk(fn) {
			return false
		}
	}
	return true
}

// Section is a top-level slice of the document delimited by a depth 1 or 2
// heading. Depth 0 with an empty Title is the preamble before the first
// heading. Deeper headings (### and below) stay inside Blocks.
type Section struct {
	Depth  int
	Title  string
	Blocks []*Node

	raw   string
	dirty bool
}

// markDirty flags the section for re-rendering from Blocks.
func (s *Section) markDirty() { s.dirty = true }

// Document is a parsed issue or pull-request body.
type Document struct {
	Sections []*Section
}

// Section returns the first section whose title matches any of the given
// names (case-insensitive), or nil.
func (d *Document) Section(names ...string) *Section {
	for _, s := range d.Sections {
		for _, name := range names {
			if equalFold(s.Title, name) {
				return s
			}
		}
	}
	return nil
}

// HasSection reports whether a section with one of the given titles exists.
func (d *Document) HasSection(names ...string) bool {
	return d.Section(names...) != nil
}
