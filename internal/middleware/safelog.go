package middleware

import "strings"

// MaskToken маскирует credential в логах (полный токен не светим).
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "***"
}
