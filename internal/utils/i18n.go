package utils

import (
	"maps"
	"slices"
)

// Participant-facing messages. Anything richer belongs in the frontend.

const DefaultLocale = "en"

var translations = map[string]map[string]string{
	"en": {
		"health.ok":                "ok",
		"error.invalid":            "Some of the information you entered is not valid.",
		"error.not_found":          "We could not find this questionnaire session.",
		"error.already_completed":  "You have already completed this questionnaire. Thank you for participating!",
		"error.conflict":           "This questionnaire was changed in another window. Please reload to continue.",
		"error.illegal_transition": "This step is not available right now. Please reload the page.",
		"error.transient":          "We could not reach our storage right now. Your answers are still on this page; please try again in a moment.",
		"error.malformed":          "Your saved progress could not be read. Please contact the study team.",
		"error.internal":           "Something went wrong. Please contact the study team.",
		"session.completed":        "Thank you! Your responses have been submitted.",
		"session.post_phase":       "The main questionnaire is complete. Please answer a few final questions.",
	},
	"zh": {
		"health.ok":                "好的",
		"error.invalid":            "您填写的信息无效。",
		"error.not_found":          "未找到该问卷会话。",
		"error.already_completed":  "您已完成此问卷，感谢参与！",
		"error.conflict":           "此问卷已在另一个窗口中更改，请刷新后继续。",
		"error.illegal_transition": "当前无法执行此步骤，请刷新页面。",
		"error.transient":          "暂时无法连接存储服务。您的答案仍保留在页面上，请稍后重试。",
		"error.malformed":          "无法读取您保存的进度，请联系研究团队。",
		"error.internal":           "出现错误，请联系研究团队。",
		"session.completed":        "感谢您！您的答卷已提交。",
		"session.post_phase":       "主问卷已完成，请回答最后几个问题。",
	},
}

// Locales lists the languages the catalogue covers, sorted.
func Locales() []string {
	return slices.Sorted(maps.Keys(translations))
}

// T returns the translated string for key in locale; falls back to English.
func T(locale, key string) string {
	if v, ok := translations[locale][key]; ok {
		return v
	}
	if v, ok := translations[DefaultLocale][key]; ok {
		return v
	}
	return key
}
