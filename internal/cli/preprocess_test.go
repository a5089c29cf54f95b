package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into dir for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestPreprocessConfig(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
		wantErr  string
	}{
		{
			name:     "simple substitution",
			input:    "api_key: {{ .ENV.CKS_TEST_KEY }}",
			envVars:  map[string]string{"CKS_TEST_KEY": "secret123"},
			expected: "api_key: secret123",
		},
		{
			name:     "several variables",
			input:    "remote: {{ .ENV.CKS_TEST_HOST }}\norganization: {{ .ENV.CKS_TEST_ORG }}",
			envVars:  map[string]string{"CKS_TEST_HOST": "https://data.example.org", "CKS_TEST_ORG": "city"},
			expected: "remote: https://data.example.org\norganization: city",
		},
		{
			name:     "value with equals sign",
			input:    "api_key: {{ .ENV.CKS_TEST_EQ }}",
			envVars:  map[string]string{"CKS_TEST_EQ": "key=value&a=b"},
			expected: "api_key: key=value&a=b",
		},
		{
			name:     "empty value",
			input:    "user_agent: {{ .ENV.CKS_TEST_EMPTY }}",
			envVars:  map[string]string{"CKS_TEST_EMPTY": ""},
			expected: "user_agent: ",
		},
		{
			name:     "no placeholders",
			input:    "hash_table: hash-table\ntimeout: 10s",
			expected: "hash_table: hash-table\ntimeout: 10s",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:    "missing variable",
			input:   "api_key: {{ .ENV.CKS_TEST_MISSING }}",
			wantErr: "missing environment variable: CKS_TEST_MISSING",
		},
		{
			name:    "invalid template",
			input:   "api_key: {{ .ENV.CKS_TEST_KEY }",
			wantErr: "template",
		},
	}

	chdir(t, t.TempDir())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			got, err := PreprocessConfig([]byte(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestPreprocessConfigWithEnvFile(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile(".env", []byte("CKS_DOTENV_KEY=from_env_file\nCKS_DOTENV_ORG=city\n"), 0o644))
	t.Setenv("CKS_DOTENV_KEY", "from_environment")
	t.Cleanup(func() { os.Unsetenv("CKS_DOTENV_ORG") })

	got, err := PreprocessConfig([]byte("api_key: {{ .ENV.CKS_DOTENV_KEY }}\norganization: {{ .ENV.CKS_DOTENV_ORG }}"))
	require.NoError(t, err)
	assert.Equal(t, "api_key: from_environment\norganization: city", string(got))
}

func TestPreprocessConfigBadEnvFile(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile(".env", []byte("CKS_BAD='unterminated\n"), 0o644))

	_, err := PreprocessConfig([]byte("a: b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigParse)
}
