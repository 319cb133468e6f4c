package markdown

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	gast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// sectionHeadingPattern matches ATX headings of depth 1 or 2, which delimit
// document sections. Deeper headings belong to the enclosing section.
var sectionHeadingPattern = regexp.MustCompile(`^(#{1,2})\s+(.+?)\s*$`)

var parser = goldmark.New(goldmark.WithExtensions(extension.GFM))

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Parse splits src into sections at depth 1-2 headings and parses each
// section body into blocks. Heading lines inside fenced code blocks are not
// section boundaries. The original text of every section is retained so that
// untouched sections serialize back byte for byte.
func Parse(src string) *Document {
	doc := &Document{}

	var (
		cur      *Section
		curStart int
		inFence  bool
		fence    string
		offset   int
	)

	flush := func(end int) {
		if cur == nil {
			if end > 0 {
				cur = &Section{Depth: 0, Title: ""}
				curStart = 0
			} else {
				return
			}
		}
		cur.raw = src[curStart:end]
		doc.Sections = append(doc.Sections, cur)
	}

	lines := strings.SplitAfter(src, "\n")
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\n")

		if marker := fenceMarker(trimmed); marker != "" {
			if !inFence {
				inFence = true
				fence = marker
			} else if strings.HasPrefix(marker, fence) {
				inFence = false
			}
		}

		if !inFence {
			if m := sectionHeadingPattern.FindStringSubmatch(trimmed); m != nil {
				flush(offset)
				cur = &Section{Depth: len(m[1]), Title: m[2]}
				curStart = offset
			}
		}
		offset += len(line)
	}
	flush(len(src))

	for _, s := range doc.Sections {
		body := s.raw
		if s.Depth > 0 {
			// Drop the heading line; it is represented by Depth/Title.
			if i := strings.IndexByte(body, '\n'); i >= 0 {
				body = body[i+1:]
			} else {
				body = ""
			}
		}
		s.Blocks = parseBlocks(body)
	}

	return doc
}

// fenceMarker returns the fence string ("```" or "~~~", possibly longer) when
// the line opens or closes a fenced code block, or "" otherwise.
func fenceMarker(line string) string {
	t := strings.TrimLeft(line, " ")
	for _, ch := range []string{"```", "~~~"} {
		if strings.HasPrefix(t, ch) {
			i := 0
			for i < len(t) && t[i] == ch[0] {
				i++
			}
			return t[:i]
		}
	}
	return ""
}

// parseBlocks converts a markdown fragment into block nodes.
func parseBlocks(src string) []*Node {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	b := []byte(src)
	root := parser.Parser().Parse(text.NewReader(b))

	var blocks []*Node
	for c := root.FirstChild(); c != nil; c = c.NextSibling() {
		if n := convertNode(c, b); n != nil {
			blocks = append(blocks, n)
		}
	}
	return blocks
}

func convertNode(n gast.Node, src []byte) *Node {
	switch v := n.(type) {
	case *gast.Heading:
		return &Node{Kind: KindHeading, Depth: v.Level, Children: convertInline(v, src)}
	case *gast.Paragraph:
		return &Node{Kind: KindParagraph, Children: convertInline(v, src)}
	case *gast.TextBlock:
		return &Node{Kind: KindParagraph, Children: convertInline(v, src)}
	case *gast.List:
		node := &Node{Kind: KindList, Ordered: v.IsOrdered(), Start: v.Start}
		for c := v.FirstChild(); c != nil; c = c.NextSibling() {
			if item := convertListItem(c, src); item != nil {
				node.Children = append(node.Children, item)
			}
		}
		return node
	case *gast.FencedCodeBlock:
		info := ""
		if v.Info != nil {
			info = string(v.Info.Segment.Value(src))
		}
		return &Node{Kind: KindCodeBlock, Info: info, Text: linesText(v.Lines(), src)}
	case *gast.CodeBlock:
		return &Node{Kind: KindCodeBlock, Text: linesText(v.Lines(), src)}
	case *gast.HTMLBlock:
		txt := linesText(v.Lines(), src)
		if v.HasClosure() {
			txt += string(v.ClosureLine.Value(src))
		}
		return &Node{Kind: KindHTML, Text: strings.TrimRight(txt, "\n")}
	case *gast.ThematicBreak:
		return &Node{Kind: KindThematicBreak}
	case *gast.Blockquote:
		node := &Node{Kind: KindBlockquote}
		for c := v.FirstChild(); c != nil; c = c.NextSibling() {
			if b := convertNode(c, src); b != nil {
				node.Children = append(node.Children, b)
			}
		}
		return node
	case *east.Table:
		return convertTable(v, src)
	}
	return nil
}

func convertListItem(n gast.Node, src []byte) *Node {
	item := &Node{Kind: KindListItem}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		b := convertNode(c, src)
		if b == nil {
			continue
		}
		// A task-list checkbox parses as the first inline of the first
		// paragraph; lift it onto the item itself.
		if item.Checked == nil && b.Kind == KindParagraph && len(b.Children) > 0 {
			if first := b.Children[0]; first.Kind == KindText && first.Checked != nil {
				item.Checked = first.Checked
				b.Children = b.Children[1:]
			}
		}
		item.Children = append(item.Children, b)
	}
	return item
}

func convertTable(t *east.Table, src []byte) *Node {
	table := &Node{Kind: KindTable}
	for c := t.FirstChild(); c != nil; c = c.NextSibling() {
		row := &Node{Kind: KindTableRow}
		for cell := c.FirstChild(); cell != nil; cell = cell.NextSibling() {
			row.Children = append(row.Children, &Node{
				Kind:     KindTableCell,
				Children: convertInline(cell, src),
			})
		}
		table.Children = append(table.Children, row)
	}
	return table
}

// convertInline flattens the inline children of a block node. Emphasis and
// strikethrough are re-wrapped with their literal markers so extractor
// pattern matching sees the original notation.
func convertInline(parent gast.Node, src []byte) []*Node {
	var out []*Node
	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		out = append(out, convertInlineNode(c, src)...)
	}
	return out
}

func convertInlineNode(n gast.Node, src []byte) []*Node {
	switch v := n.(type) {
	case *gast.Text:
		txt := string(v.Segment.Value(src))
		if v.SoftLineBreak() || v.HardLineBreak() {
			txt += "\n"
		}
		return []*Node{{Kind: KindText, Text: txt}}
	case *gast.String:
		return []*Node{{Kind: KindText, Text: string(v.Value)}}
	case *gast.CodeSpan:
		var sb strings.Builder
		for c := v.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*gast.Text); ok {
				sb.Write(t.Segment.Value(src))
			}
		}
		return []*Node{{Kind: KindInlineCode, Text: sb.String()}}
	case *gast.Link:
		return []*Node{{Kind: KindLink, URL: string(v.Destination), Children: convertInline(v, src)}}
	case *gast.AutoLink:
		url := string(v.URL(src))
		return []*Node{{Kind: KindText, Text: url}}
	case *gast.Image:
		alt := &Node{Kind: KindLink, URL: string(v.Destination), Children: convertInline(v, src)}
		return []*Node{{Kind: KindText, Text: "!"}, alt}
	case *gast.Emphasis:
		marker := strings.Repeat("*", v.Level)
		out := []*Node{{Kind: KindText, Text: marker}}
		out = append(out, convertInline(v, src)...)
		return append(out, &Node{Kind: KindText, Text: marker})
	case *east.Strikethrough:
		out := []*Node{{Kind: KindText, Text: "~~"}}
		out = append(out, convertInline(v, src)...)
		return append(out, &Node{Kind: KindText, Text: "~~"})
	case *east.TaskCheckBox:
		checked := v.IsChecked
		return []*Node{{Kind: KindText, Checked: &checked}}
	case *gast.RawHTML:
		var sb strings.Builder
		for i := 0; i < v.Segments.Len(); i++ {
			seg := v.Segments.At(i)
			sb.Write(seg.Value(src))
		}
		return []*Node{{Kind: KindHTML, Text: sb.String()}}
	}
	// Unknown inline containers keep their children.
	if n.ChildCount() > 0 {
		return convertInline(n, src)
	}
	return nil
}

func linesText(lines *text.Segments, src []byte) string {
	var sb strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return sb.String()
}
