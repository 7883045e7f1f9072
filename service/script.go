package service

import "strings"

// SplitScript 把剧本文本按空行拆成分镜段落。
// 段内换行保留，段落首尾空白去掉，空段丢弃。
func SplitScript(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var paragraphs []string
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		p := strings.TrimSpace(strings.Join(cur, "\n"))
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
		cur = cur[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return paragraphs
}
