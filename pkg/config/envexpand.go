package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables in YAML content using Go
// template syntax ({{.VAR_NAME}}) instead of shell-style $VAR. The config
// carries literal $ characters that plain expansion would mangle:
//
//   - masking regexes: sk-ant-[a-zA-Z0-9-]+$
//   - stored credential values: p@ss$word
//   - selector patterns: input[name$="email"]
//
// So {{.DATABASE_URL}} becomes the value of DATABASE_URL, while
// "user_${USER_ID}_.*" passes through untouched. Unset variables expand to
// the empty string; the post-merge validator flags required fields left
// empty that way.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Not template syntax at all; hand the YAML back as-is.
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		// Split on the first = only; values may contain more.
		if key, value, found := strings.Cut(kv, "="); found && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
