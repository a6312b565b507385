package router

import "strings"

var translit = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "yo", 'ж': "zh",
	'з': "z", 'и': "i", 'й': "y", 'к': "k", 'л': "l", 'м': "m", 'н': "n", 'о': "o",
	'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u", 'ф': "f", 'х': "kh", 'ц': "ts",
	'ч': "ch", 'ш': "sh", 'щ': "sch", 'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
}

// Slugify converts Russian text to a snake_case ASCII slug suitable for a
// contract id, capped at 60 characters.
func Slugify(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	var b strings.Builder
	for _, ch := range text {
		if repl, ok := translit[ch]; ok {
			b.WriteString(repl)
		} else if ch < 128 && (ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		} else if ch == ' ' || ch == '-' || ch == '_' {
			b.WriteByte('_')
		}
	}
	var parts []string
	for _, p := range strings.Split(b.String(), "_") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	slug := strings.Join(parts, "_")
	if len(slug) > 60 {
		slug = slug[:60]
	}
	return slug
}
