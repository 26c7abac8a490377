package tracker

import (
	"encoding/json"
	"strings"
)

// Node is an Atlassian Document Format node. Rich text fields in the v3
// REST API (descriptions, link comments) are ADF documents.
type Node struct {
	Type    string         `json:"type"`
	Version int            `json:"version,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark decorates a text node
type Mark struct {
	Type string `json:"type"`
}

// Doc wraps block nodes in a version 1 document
func Doc(blocks ...Node) Node {
	return Node{Type: "doc", Version: 1, Content: blocks}
}

// Paragraph builds a paragraph from inline nodes
func Paragraph(inline ...Node) Node {
	return Node{Type: "paragraph", Content: inline}
}

// Text builds a plain text node
func Text(s string) Node {
	return Node{Type: "text", Text: s}
}

// Strong builds a bold text node
func Strong(s string) Node {
	return Node{Type: "text", Text: s, Marks: []Mark{{Type: "strong"}}}
}

// Em builds an italic text node
func Em(s string) Node {
	return Node{Type: "text", Text: s, Marks: []Mark{{Type: "em"}}}
}

// Field renders "label: value" with a bold label
func Field(label, value string) Node {
	return Paragraph(Strong(label+": "), Text(value))
}

// Heading builds a heading of the given level
func Heading(level int, text string) Node {
	return Node{Type: "heading", Attrs: map[string]any{"level": level}, Content: []Node{Text(text)}}
}

// BulletList builds a list with one paragraph per item
func BulletList(items ...string) Node {
	list := Node{Type: "bulletList"}
	for _, item := range items {
		list.Content = append(list.Content, Node{
			Type:    "listItem",
			Content: []Node{Paragraph(Text(item))},
		})
	}
	return list
}

// Rule builds a horizontal rule
func Rule() Node {
	return Node{Type: "rule"}
}

// TextBlocks turns free text into one paragraph per non-empty line
func TextBlocks(s string) []Node {
	var blocks []Node
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		blocks = append(blocks, Paragraph(Text(line)))
	}
	return blocks
}

// PlainText flattens a description into text. The field is either an ADF
// document or, for older payloads, a plain string.
func PlainText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var doc Node
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	var b strings.Builder
	flatten(&b, doc)
	return strings.TrimSpace(b.String())
}

func flatten(b *strings.Builder, n Node) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	case "listItem":
		b.WriteString("- ")
	}

	for _, child := range n.Content {
		flatten(b, child)
	}

	switch n.Type {
	case "paragraph", "heading", "codeBlock", "blockquote":
		b.WriteString("\n")
	}
}
