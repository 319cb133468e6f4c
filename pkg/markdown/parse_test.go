package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `Intro paragraph describing the work.

<!-- CLAUDE_MAIN_STATE
sub_issues: [101, 102]
-->

## Description

Implement the webhook receiver for the automation pipeline.

## Todos

- [x] Wire the HTTP endpoint
- [ ] Validate signatures
- [ ] Deploy to staging [Manual]
- [ ] Update the dashboard *(manual)*

## Questions

- [x] Should retries be capped? ` + "`id:retry-cap`" + `
- [ ] Which queue backs the dispatcher? ` + "`id:queue-backend`" + `

## Iteration History

| Time | # | Phase | Action | SHA | Run |
| --- | --- | --- | --- | --- | --- |
| Jan 2 15:04 | 1 | - | Started iteration | abc1234 | [Run 42](https://ci.example.com/runs/42) |
| Jan 3 09:12 | 2 | 1 | CI failed | def5678 | - |

## Agent Notes

### [Run 42](https://ci.example.com/runs/42) - Jan 2 15:04

- Added the endpoint skeleton
- Signature validation pending
`

func TestParseSections(t *testing.T) {
	doc := Parse(sampleBody)

	var titles []string
	for _, s := range doc.Sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"", "Description", "Todos", "Questions", "Iteration History", "Agent Notes"}, titles)

	pre := doc.Sections[0]
	assert.Equal(t, 0, pre.Depth)
	require.NotEmpty(t, pre.Blocks)
	assert.Equal(t, KindParagraph, pre.Blocks[0].Kind)
}

func TestParseIgnoresHeadingsInFences(t *testing.T) {
	src := "## Code\n\n```\n# not a heading\n## also not one\n```\n\n## After\n\ndone\n"
	doc := Parse(src)

	var titles []string
	for _, s := range doc.Sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"Code", "After"}, titles)

	code := doc.Section("Code")
	require.NotNil(t, code)
	require.Len(t, code.Blocks, 1)
	assert.Equal(t, KindCodeBlock, code.Blocks[0].Kind)
	assert.Contains(t, code.Blocks[0].Text, "# not a heading")
}

func TestParseInlineHTMLKeptVerbatim(t *testing.T) {
	doc := Parse("## Description\n\nPress <kbd>Ctrl</kbd> twice.\n")
	sec := doc.Section("Description")
	require.NotNil(t, sec)
	require.NotEmpty(t, sec.Blocks)

	var tags []string
	for _, n := range sec.Blocks[0].Children {
		if n.Kind == KindHTML {
			tags = append(tags, n.Text)
		}
	}
	assert.Equal(t, []string{"<kbd>", "</kbd>"}, tags)
}

func TestParseKeepsDeepHeadingsInSection(t *testing.T) {
	src := "## Agent Notes\n\n### Sub heading\n\ntext\n"
	doc := Parse(src)

	require.Len(t, doc.Sections, 1)
	sec := doc.Sections[0]
	require.Len(t, sec.Blocks, 2)
	assert.Equal(t, KindHeading, sec.Blocks[0].Kind)
	assert.Equal(t, 3, sec.Blocks[0].Depth)
}

func TestRenderUnmodifiedIsByteIdentical(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "full sample", src: sampleBody},
		{name: "no preamble", src: "## Only\n\ntext\n"},
		{name: "preamble only", src: "just a paragraph\nwith two lines\n"},
		{name: "odd spacing preserved", src: "## A\n\n\n\ntext   with   gaps\n\n\n## B\n|weird| table|\n|-|-|\n|1|2|\n"},
		{name: "empty", src: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Parse(tt.src)
			assert.Equal(t, tt.src, doc.Render())
		})
	}
}

func TestRenderOnlyTouchedSectionChanges(t *testing.T) {
	doc := Parse(sampleBody)
	doc.SetTodos([]TodoItem{{Text: "Single todo", Checked: false}})

	out := doc.Render()
	// Untouched sections keep their original bytes.
	assert.Contains(t, out, "Implement the webhook receiver for the automation pipeline.")
	assert.Contains(t, out, "| Jan 2 15:04 | 1 | - | Started iteration | abc1234 | [Run 42](https://ci.example.com/runs/42) |")
	assert.Contains(t, out, "<!-- CLAUDE_MAIN_STATE\nsub_issues: [101, 102]\n-->")
	// The todos list was replaced.
	assert.Contains(t, out, "- [ ] Single todo")
	assert.NotContains(t, out, "Wire the HTTP endpoint")
}

func TestSectionLookupIsCaseInsensitive(t *testing.T) {
	doc := Parse("## TODOS\n\n- [ ] a\n")
	assert.True(t, doc.HasSection("Todos", "Todo"))
	assert.Equal(t, 1, doc.Todos().Total)
}

func TestPlainTextPreservesEmphasisMarkers(t *testing.T) {
	doc := Parse("## Todos\n\n- [ ] Update the dashboard *(manual)*\n- [ ] Ship it **now**\n")
	sec := doc.Section("Todos")
	require.NotNil(t, sec)

	var texts []string
	for _, item := range sec.Blocks[0].Children {
		texts = append(texts, strings.TrimSpace(item.PlainText()))
	}
	assert.Equal(t, []string{"Update the dashboard *(manual)*", "Ship it **now**"}, texts)
}
