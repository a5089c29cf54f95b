package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"text/template"

	"github.com/joho/godotenv"
)

type TemplateContext struct {
	ENV map[string]string
}

// loadDotEnv loads .env from the working directory if it exists. Variables
// already set in the process environment keep their values.
func loadDotEnv() error {
	cwd, err := os.Getwd()
	if err != nil {
		return ErrConfigRead.MsgErr("unable to get working directory", err)
	}
	envPath := filepath.Join(cwd, ".env")
	if _, err := os.Stat(envPath); err != nil {
		return nil
	}
	if err := godotenv.Load(envPath); err != nil {
		return ErrConfigParse.MsgErr(fmt.Sprintf("unable to parse %s", envPath), err)
	}
	return nil
}

var missingKeyRegex = regexp.MustCompile(`map has no entry for key "(.*?)"`)

// PreprocessConfig replaces {{ .ENV.VAR }} placeholders in a config file
// with values from the environment or a .env file.
func PreprocessConfig(inputRaw []byte) ([]byte, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	envMap := map[string]string{}
	for _, e := range os.Environ() {
		parts := bytes.SplitN([]byte(e), []byte("="), 2)
		if len(parts) == 2 {
			envMap[string(parts[0])] = string(parts[1])
		}
	}

	tmpl, err := template.New("config").Option("missingkey=error").Parse(string(inputRaw))
	if err != nil {
		return nil, err
	}

	var output bytes.Buffer
	if err := tmpl.Execute(&output, TemplateContext{ENV: envMap}); err != nil {
		if matches := missingKeyRegex.FindStringSubmatch(err.Error()); len(matches) == 2 {
			return nil, fmt.Errorf("missing environment variable: %s (set it in your shell or .env file)", matches[1])
		}
		return nil, fmt.Errorf("template error: %w", err)
	}
	return output.Bytes(), nil
}
