package message

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var aroundNewlinesRe = regexp.MustCompile(`[ \t]*\n[ \t]*`)

// htmlToText extracts the visible text of an HTML document. Script and
// style subtrees and comments are dropped, <br> becomes a newline, and
// runs of whitespace around newlines collapse to a single newline so
// that armored PGP blocks pasted into HTML mail survive extraction.
// Text inside <pre> keeps its own whitespace.
func htmlToText(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return string(data)
	}

	var sb strings.Builder
	var walk func(n *html.Node, inPre bool)
	walk = func(n *html.Node, inPre bool) {
		switch n.Type {
		case html.CommentNode:
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style":
				return
			case "br":
				sb.WriteString("\n")
			case "pre":
				inPre = true
			}
		case html.TextNode:
			text := n.Data
			if !inPre {
				text = strings.TrimSpace(text)
			}
			if text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inPre)
		}
	}
	walk(doc, false)

	text := strings.TrimSuffix(sb.String(), " ")
	return aroundNewlinesRe.ReplaceAllString(text, "\n")
}
