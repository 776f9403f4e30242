package search

import "strings"

// Format substitutes {name} placeholders in template from vars. Unknown
// placeholders are left intact and malformed braces never cause an error,
// so prompt templates cannot fail at render time. Doubled braces ("{{",
// "}}") escape to literal single braces.
func Format(template string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		ch := template[i]
		switch ch {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				b.WriteByte('{')
				i++
				continue
			}
			name := template[i+1 : i+1+end]
			if v, ok := vars[name]; ok {
				b.WriteString(v)
			} else {
				b.WriteString(template[i : i+end+2])
			}
			i += end + 2
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			b.WriteByte('}')
			i++
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}
