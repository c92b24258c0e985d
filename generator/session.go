package generator

import (
	"strings"

	"auto_feed_publisher/model"
)

// continuation 每轮只追加这条简短指令，系统提示词不重复发送。
const continuation = `请继续创作下一篇内容，不要与之前的内容重复。只输出一个 JSON 对象：{"title": "标题", "content": "正文"}`

// SystemPrompt 组合提示词文本和话题名称，作为会话的系统消息。
func SystemPrompt(promptText, topicName string) string {
	text := strings.TrimSpace(promptText)
	if topicName = strings.TrimSpace(topicName); topicName != "" {
		text += "\n\n话题：" + topicName
	}
	return text
}

// EnsureSystemTurn 保证会话中存在 system 消息且内容为 text。
// 已有 system 消息内容不同时原地覆盖，其余历史保持不变。
func EnsureSystemTurn(turns []model.Turn, text string) ([]model.Turn, bool) {
	for i, t := range turns {
		if t.Role != model.RoleSystem {
			continue
		}
		if t.Text == text {
			return turns, false
		}
		out := append([]model.Turn(nil), turns...)
		out[i].Text = text
		return out, true
	}
	out := make([]model.Turn, 0, len(turns)+1)
	out = append(out, model.Turn{Role: model.RoleSystem, Text: text})
	out = append(out, turns...)
	return out, true
}

func ContinuationTurn() model.Turn {
	return model.Turn{Role: model.RoleUser, Text: continuation}
}

// Messages converts stored turns into model messages.
func Messages(turns []model.Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: string(t.Role), Content: t.Text})
	}
	return out
}
