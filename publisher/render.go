package publisher

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

var (
	olRe      = regexp.MustCompile(`(?s)<ol[^>]*>(.*?)</ol>`)
	ulRe      = regexp.MustCompile(`(?s)<ul[^>]*>(.*?)</ul>`)
	liRe      = regexp.MustCompile(`(?s)<li[^>]*>(.*?)</li>`)
	headingRe = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	blockRe   = regexp.MustCompile(`(?s)</?(p|blockquote|pre|hr)[^>]*>|<br\s*/?>`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	blankRe   = regexp.MustCompile(`\n{3,}`)
)

func mdToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderFeedText 把 Markdown 转成信息流可读的纯文本：
// 信息流不渲染 HTML，列表展开成编号或圆点行，标题变成单独一行。
func renderFeedText(md string) (string, error) {
	out, err := mdToHTML(md)
	if err != nil {
		return "", err
	}
	out = flattenLists(out)
	out = headingRe.ReplaceAllString(out, "\n$1\n\n")
	out = blockRe.ReplaceAllString(out, "\n")
	out = tagRe.ReplaceAllString(out, "")
	out = html.UnescapeString(out)

	lines := strings.Split(out, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out = blankRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out), nil
}

func flattenLists(out string) string {
	out = olRe.ReplaceAllStringFunc(out, func(block string) string {
		items := liRe.FindAllStringSubmatch(block, -1)
		if len(items) == 0 {
			return block
		}
		var b strings.Builder
		for i, item := range items {
			b.WriteString(fmt.Sprintf("\n%d. %s", i+1, inline(item[1])))
		}
		return b.String() + "\n\n"
	})
	return ulRe.ReplaceAllStringFunc(out, func(block string) string {
		items := liRe.FindAllStringSubmatch(block, -1)
		if len(items) == 0 {
			return block
		}
		var b strings.Builder
		for _, item := range items {
			b.WriteString("\n• ")
			b.WriteString(inline(item[1]))
		}
		return b.String() + "\n\n"
	})
}

// inline 去掉列表项里的段落标签，保证一项占一行。
func inline(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
