package payment

import (
	"net/url"
	"strings"
)

// TemplateVars fills {{key}} placeholders in configured URLs and texts.
type TemplateVars map[string]string

// InjectVariables replaces every {{key}} in tmpl. Unknown placeholders are left as is.
func InjectVariables(tmpl string, vars TemplateVars) string {
	for key, value := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{{"+key+"}}", value)
	}
	return tmpl
}

// InjectURLVariables is InjectVariables with query-escaped values.
func InjectURLVariables(tmpl string, vars TemplateVars) string {
	escaped := make(TemplateVars, len(vars))
	for k, v := range vars {
		escaped[k] = url.QueryEscape(v)
	}
	return InjectVariables(tmpl, escaped)
}
