package generator

import (
	"regexp"
	"sort"
	"strings"
)

// Pair 是从模型回复中提取出的一组标题和正文。
type Pair struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

const quoted = `"((?:[^"\\]|\\.)*)"`

var (
	titleFirst   = regexp.MustCompile(`\{\s*"title"\s*:\s*` + quoted + `\s*,\s*"content"\s*:\s*` + quoted + `\s*,?\s*\}`)
	contentFirst = regexp.MustCompile(`\{\s*"content"\s*:\s*` + quoted + `\s*,\s*"title"\s*:\s*` + quoted + `\s*,?\s*\}`)

	titleField   = regexp.MustCompile(`(?:"title"|\btitle)\s*:\s*` + quoted)
	contentField = regexp.MustCompile(`(?:"content"|\bcontent)\s*:\s*` + quoted)

	citation  = regexp.MustCompile(`\[[^\]]*\]`)
	unescaper = strings.NewReplacer(`\"`, `"`, `\n`, "\n")
)

// Extract 从不一定合法的 JSON 文本中提取标题和正文，不依赖 JSON 解析。
// 依次尝试完整对象、独立字段两种匹配；都失败时返回原文作为正文，
// 标题为空，matched 为 false。
func Extract(raw string) (pairs []Pair, matched bool) {
	if pairs = objectPairs(raw); len(pairs) > 0 {
		return pairs, true
	}
	if pairs = fieldPairs(raw); len(pairs) > 0 {
		return pairs, true
	}
	return []Pair{{Content: raw}}, false
}

func objectPairs(raw string) []Pair {
	type hit struct {
		at    int
		title string
		body  string
	}
	var hits []hit
	for _, m := range titleFirst.FindAllStringSubmatchIndex(raw, -1) {
		hits = append(hits, hit{at: m[0], title: raw[m[2]:m[3]], body: raw[m[4]:m[5]]})
	}
	for _, m := range contentFirst.FindAllStringSubmatchIndex(raw, -1) {
		hits = append(hits, hit{at: m[0], title: raw[m[4]:m[5]], body: raw[m[2]:m[3]]})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	var out []Pair
	for _, h := range hits {
		if p, ok := clean(h.title, h.body); ok {
			out = append(out, p)
		}
	}
	return out
}

func fieldPairs(raw string) []Pair {
	titles := titleField.FindAllStringSubmatch(raw, -1)
	contents := contentField.FindAllStringSubmatch(raw, -1)
	n := min(len(titles), len(contents))

	var out []Pair
	for i := 0; i < n; i++ {
		if p, ok := clean(titles[i][1], contents[i][1]); ok {
			out = append(out, p)
		}
	}
	return out
}

// clean 去除首尾空白并反转义；正文中的 [1] 这类引用标记在最后删除。
func clean(title, content string) (Pair, bool) {
	title = unescaper.Replace(strings.TrimSpace(title))
	content = unescaper.Replace(strings.TrimSpace(content))
	content = citation.ReplaceAllString(content, "")
	if strings.TrimSpace(title) == "" || strings.TrimSpace(content) == "" {
		return Pair{}, false
	}
	return Pair{Title: title, Content: content}, true
}
