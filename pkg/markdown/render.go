package markdown

import (
	"fmt"
	"strings"
)

// Render serializes the document. Sections that were never mutated are
// emitted from their original text; mutated sections are re-rendered from
// their blocks.
func (d *Document) Render() string {
	var b strings.Builder
	for i, s := range d.Sections {
		if !s.dirty {
			b.WriteString(s.raw)
			continue
		}
		b.WriteString(s.render())
		if i < len(d.Sections)-1 {
			b.WriteString("\n\n")
		} else {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (s *Section) render() string {
	var parts []string
	if s.Depth > 0 {
		parts = append(parts, strings.Repeat("#", s.Depth)+" "+s.Title)
	}
	for _, blk := range s.Blocks {
		parts = append(parts, renderBlock(blk, ""))
	}
	return strings.Join(parts, "\n\n")
}

func renderBlock(n *Node, indent string) string {
	switch n.Kind {
	case KindHeading:
		return indent + strings.Repeat("#", n.Depth) + " " + renderInline(n.Children)
	case KindParagraph:
		text := renderInline(n.Children)
		return indent + strings.ReplaceAll(text, "\n", "\n"+indent)
	case KindList:
		return renderList(n, indent)
	case KindCodeBlock:
		body := strings.TrimRight(n.Text, "\n")
		out := indent + "```" + n.Info + "\n"
		if body != "" {
			out += indent + strings.ReplaceAll(body, "\n", "\n"+indent) + "\n"
		}
		return out + indent + "```"
	case KindHTML:
		return indent + strings.ReplaceAll(n.Text, "\n", "\n"+indent)
	case KindTable:
		return renderTable(n, indent)
	case KindBlockquote:
		var parts []string
		for _, c := range n.Children {
			parts = append(parts, renderBlock(c, ""))
		}
		inner := strings.Join(parts, "\n\n")
		return indent + "> " + strings.ReplaceAll(inner, "\n", "\n"+indent+"> ")
	case KindThematicBreak:
		return indent + "---"
	}
	return ""
}

func renderList(n *Node, indent string) string {
	var lines []string
	for i, item := range n.Children {
		marker := "-"
		if n.Ordered {
			start := n.Start
			if start == 0 {
				start = 1
			}
			marker = fmt.Sprintf("%d.", start+i)
		}
		prefix := indent + marker + " "
		if item.Checked != nil {
			box := "[ ]"
			if *item.Checked {
				box = "[x]"
			}
			prefix += box + " "
		}
		childIndent := indent + strings.Repeat(" ", len(marker)+1)

		var itemParts []string
		for _, c := range item.Children {
			itemParts = append(itemParts, renderBlock(c, childIndent))
		}
		body := strings.TrimPrefix(strings.Join(itemParts, "\n"), childIndent)
		lines = append(lines, prefix+body)
	}
	return strings.Join(lines, "\n")
}

func renderTable(n *Node, indent string) string {
	var lines []string
	for i, row := range n.Children {
		var cells []string
		for _, cell := range row.Children {
			text := strings.TrimSpace(renderInline(cell.Children))
			cells = append(cells, strings.ReplaceAll(text, "|", `\|`))
		}
		lines = append(lines, indent+"| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			seps := make([]string, len(cells))
			for j := range seps {
				seps[j] = "---"
			}
			lines = append(lines, indent+"| "+strings.Join(seps, " | ")+" |")
		}
	}
	return strings.Join(lines, "\n")
}

func renderInline(nodes []*Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		switch n.Kind {
		case KindText:
			sb.WriteString(n.Text)
		case KindInlineCode:
			sb.WriteString("`" + n.Text + "`")
		case KindLink:
			sb.WriteString("[" + renderInline(n.Children) + "](" + n.URL + ")")
		case KindHTML:
			sb.WriteString(n.Text)
		default:
			sb.WriteString(renderInline(n.Children))
		}
	}
	return sb.String()
}
