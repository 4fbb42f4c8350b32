package util

import "unicode/utf8"

// Preview 截取 s 的前 max 个字符用于日志, 超出部分以 "..." 结尾。
//
// 按 rune 截断, 不会切断多字节字符。
func Preview(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	i := 0
	for pos := range s {
		if i == max {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
