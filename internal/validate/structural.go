package validate

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

// markdown is the shared parser instance used for structural detection. The
// table extension is required; pipe tables are plain paragraphs without it.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// checkStructural detects formatting that must not appear in generated plain
// text: markdown constructs via AST inspection, HTML via tokenizer, plus the
// lettered-list pattern and any caller-supplied custom patterns.
func checkStructural(content string, c Constraints) []string {
	set := map[string]struct{}{}

	root := markdown.Parser().Parse(text.NewReader([]byte(content)))
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			set[ErrMarkdownHeading] = struct{}{}
		case *ast.Emphasis:
			set[ErrMarkdownFormatting] = struct{}{}
		case *ast.Link:
			set[ErrMarkdownLink] = struct{}{}
		case *ast.CodeSpan:
			set[ErrCodeSpan] = struct{}{}
		case *ast.FencedCodeBlock:
			set[ErrCodeBlock] = struct{}{}
		case *ast.ThematicBreak:
			set[ErrHorizontalRule] = struct{}{}
		case *ast.List:
			if node.IsOrdered() {
				set[ErrListNumbering] = struct{}{}
			}
		case *east.Table:
			set[ErrTableRow] = struct{}{}
		}
		return ast.WalkContinue, nil
	})

	if containsHTMLTag(content) {
		set[ErrHTMLTag] = struct{}{}
	}
	if letteredList.MatchString(content) {
		set[ErrListNumbering] = struct{}{}
	}
	for _, p := range c.CustomPatterns {
		if p.MatchString(content) {
			set[ErrCustomPattern] = struct{}{}
			break
		}
	}
	return sortedSet(set)
}

// containsHTMLTag reports whether the tokenizer finds any real tag. Plain
// prose, including stray "<" characters, tokenizes to text only.
func containsHTMLTag(content string) bool {
	if !strings.Contains(content, "<") {
		return false
	}
	tz := html.NewTokenizer(strings.NewReader(content))
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			return true
		}
	}
}
