package sqlserver

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
)

//go:embed templates/ConfigurationFile.ini
var configurationFileINI string

var templateFuncs = template.FuncMap{
	// INI values are double-quoted; a literal quote is doubled.
	"quote": func(s string) string { return strings.ReplaceAll(s, `"`, `""`) },
}

var configurationFileTmpl = template.Must(
	template.New("ConfigurationFile.ini").Funcs(templateFuncs).Option("missingkey=error").Parse(configurationFileINI))

// RenderConfigurationFile renders the unattended-install configuration for
// inst, using inst.ConfigurationTemplate when it is set. Line endings are
// CRLF as setup.exe expects.
func RenderConfigurationFile(inst Instance) ([]byte, error) {
	tmpl := configurationFileTmpl
	if inst.ConfigurationTemplate != "" {
		raw, err := os.ReadFile(inst.ConfigurationTemplate)
		if err != nil {
			return nil, fmt.Errorf("read configuration template: %w", err)
		}
		tmpl, err = template.New(inst.ConfigurationTemplate).Funcs(templateFuncs).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse configuration template: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, inst); err != nil {
		return nil, fmt.Errorf("render configuration file: %w", err)
	}
	out := strings.ReplaceAll(buf.String(), "\r\n", "\n")
	return []byte(strings.ReplaceAll(out, "\n", "\r\n")), nil
}
