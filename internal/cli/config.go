package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/tansive/ckansync/internal/datasync"
	"github.com/tansive/ckansync/internal/ledger"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default name of the config file
const DefaultConfigFile = "config.yaml"

// ConfigVersion is written into new config files. Files whose version does
// not satisfy supportedConfigVersions are rejected.
const (
	ConfigVersion           = "0.1.0"
	supportedConfigVersions = "~0.1"
)

// DefaultTimeout bounds connecting to the portal, waiting for its answer and
// each JSON action. File transfers are not cut off by it.
const DefaultTimeout = 30 * time.Second

// DefaultReadRetries is the number of attempts for idempotent reads.
const DefaultReadRetries = 3

// Environment variables read on top of the config file.
const (
	EnvRemote      = "CKAN_REMOTE_URL"
	EnvAPIKey      = "CKAN_API_KEY"
	EnvUserAgent   = "CKAN_USER_AGENT"
	EnvHashTable   = "CKAN_HASH_TABLE"
	EnvHashTableID = "CKAN_HASH_TABLE_ID"
)

// Config represents the configuration of the ckansync CLI: the portal to
// talk to, the hash table location and the load tuning.
type Config struct {
	// Version of the configuration file format
	Version string `yaml:"version" toml:"version"`
	// Remote is the base URL of the CKAN portal
	Remote string `yaml:"remote" toml:"remote" validate:"required,url"`
	// APIKey authenticates write actions
	APIKey    string `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	UserAgent string `yaml:"user_agent,omitempty" toml:"user_agent,omitempty"`
	// HashTable is the name of the package holding the hash table
	HashTable         string `yaml:"hash_table" toml:"hash_table" validate:"required"`
	HashTableResource string `yaml:"hash_table_resource" toml:"hash_table_resource" validate:"required"`
	// HashTableID names the hash table resource directly
	HashTableID  string        `yaml:"hash_table_id,omitempty" toml:"hash_table_id,omitempty"`
	Organization string        `yaml:"organization,omitempty" toml:"organization,omitempty"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout" validate:"gte=0"`
	ReadRetries  int           `yaml:"read_retries" toml:"read_retries" validate:"gte=0"`
	ChunkRows    int           `yaml:"chunksize_rows" toml:"chunksize_rows" validate:"gte=0"`
	ChunkBytes   int           `yaml:"chunksize_bytes" toml:"chunksize_bytes" validate:"gte=0"`
}

// Overrides are the values given on the command line. Empty fields do not
// override anything.
type Overrides struct {
	Remote    string
	APIKey    string
	UserAgent string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:           ConfigVersion,
		HashTable:         ledger.DefaultPackage,
		HashTableResource: ledger.DefaultResource,
		Timeout:           DefaultTimeout,
		ReadRetries:       DefaultReadRetries,
		ChunkRows:         datasync.DefaultChunkRows,
		ChunkBytes:        datasync.DefaultChunkBytes,
	}
}

// GetDefaultConfigPath returns the default path for the config file
// It uses the OS-specific config directory (e.g., ~/.config/ckansync on Linux)
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, "ckansync", DefaultConfigFile), nil
}

// LoadConfig merges, from lowest precedence, the defaults, the config file,
// a .env file in the working directory, the process environment and the
// command line overrides. A missing default config file is not an error; a
// missing explicit one is.
func LoadConfig(file string, o Overrides) (*Config, error) {
	explicit := file != ""
	if !explicit {
		if p, err := GetDefaultConfigPath(); err == nil {
			file = p
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if file != "" {
		raw, err := os.ReadFile(file)
		switch {
		case os.IsNotExist(err) && !explicit:
		case os.IsNotExist(err):
			return nil, ErrConfigMissing.Msg(fmt.Sprintf("config file %s not found. Create one with \"ckansync config init\"", file))
		case err != nil:
			return nil, ErrConfigRead.MsgErr(fmt.Sprintf("unable to read config file %s", file), err)
		default:
			if err := cfg.decode(file, raw); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.checkVersion(); err != nil {
		return nil, err
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.apply(o)
	return cfg, nil
}

func (cfg *Config) decode(file string, raw []byte) error {
	raw, err := PreprocessConfig(raw)
	if err != nil {
		return ErrConfigParse.MsgErr(fmt.Sprintf("unable to parse config file %s: %v", file, err), err)
	}
	if isTOML(file) {
		err = toml.Unmarshal(raw, cfg)
	} else {
		err = yaml.Unmarshal(raw, cfg)
	}
	if err != nil {
		return ErrConfigParse.MsgErr(fmt.Sprintf("unable to parse config file %s: %v", file, err), err)
	}
	return nil
}

func isTOML(file string) bool {
	return strings.EqualFold(filepath.Ext(file), ".toml")
}

// checkVersion rejects config files written for an incompatible format.
// An empty version is accepted.
func (cfg *Config) checkVersion() error {
	if cfg.Version == "" {
		return nil
	}
	v, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return ErrConfig.Msg(fmt.Sprintf("invalid config version %q", cfg.Version))
	}
	c, err := semver.NewConstraint(supportedConfigVersions)
	if err != nil {
		return ErrConfig.MsgErr("invalid version constraint", err)
	}
	if !c.Check(v) {
		return ErrConfig.Msg(fmt.Sprintf("config version %s is not supported (want %s)", cfg.Version, supportedConfigVersions))
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Remote, EnvRemote)
	set(&cfg.APIKey, EnvAPIKey)
	set(&cfg.UserAgent, EnvUserAgent)
	set(&cfg.HashTable, EnvHashTable)
	set(&cfg.HashTableID, EnvHashTableID)
}

func (cfg *Config) apply(o Overrides) {
	if o.Remote != "" {
		cfg.Remote = o.Remote
	}
	if o.APIKey != "" {
		cfg.APIKey = o.APIKey
	}
	if o.UserAgent != "" {
		cfg.UserAgent = o.UserAgent
	}
	cfg.Remote = MorphServer(cfg.Remote)
}

var validate = validator.New()

// Validate checks the merged configuration before it is used to reach the
// portal.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return ErrConfig.Msg(strings.Join(msgs, "; "))
		}
		return ErrConfig.MsgErr("invalid configuration", err)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch {
	case fe.Field() == "Remote" && fe.Tag() == "required":
		return fmt.Sprintf("no remote portal configured: pass --remote or set %s", EnvRemote)
	case fe.Tag() == "url":
		return fmt.Sprintf("%s must be a URL", strings.ToLower(fe.Field()))
	case fe.Tag() == "gte":
		return fmt.Sprintf("%s must not be negative", strings.ToLower(fe.Field()))
	}
	return fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag())
}

// WriteConfig writes the configuration to file, as TOML when the file name
// ends in .toml and as YAML otherwise.
func (cfg *Config) WriteConfig(file string) error {
	if file == "" {
		return ErrConfigWrite.Msg("file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return ErrConfigWrite.MsgErr("unable to create config directory", err)
	}

	var out []byte
	if isTOML(file) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return ErrConfigWrite.MsgErr("unable to generate configuration", err)
		}
		out = buf.Bytes()
	} else {
		var err error
		if out, err = yaml.Marshal(cfg); err != nil {
			return ErrConfigWrite.MsgErr("unable to generate configuration", err)
		}
	}

	if err := os.WriteFile(file, out, 0o600); err != nil {
		return ErrConfigWrite.MsgErr(fmt.Sprintf("unable to write config file %s", file), err)
	}
	return nil
}

// MaskedAPIKey hides all but the last four characters of the API key.
func (cfg *Config) MaskedAPIKey() string {
	return maskSecret(cfg.APIKey)
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// view is the printable form of the configuration, with the API key masked.
func (cfg *Config) view() map[string]any {
	return map[string]any{
		"version":             cfg.Version,
		"remote":              cfg.Remote,
		"api_key":             cfg.MaskedAPIKey(),
		"user_agent":          cfg.UserAgent,
		"hash_table":          cfg.HashTable,
		"hash_table_resource": cfg.HashTableResource,
		"hash_table_id":       cfg.HashTableID,
		"organization":        cfg.Organization,
		"timeout":             cfg.Timeout.String(),
		"read_retries":        cfg.ReadRetries,
		"chunksize_rows":      cfg.ChunkRows,
		"chunksize_bytes":     cfg.ChunkBytes,
	}
}

// MorphServer removes trailing slashes and adds https:// when the URL has
// no scheme.
func MorphServer(server string) string {
	if server == "" {
		return server
	}
	server = strings.TrimRight(server, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}
	return server
}

func newConfigCmd(g *globals) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Manage CLI configuration settings like the portal URL, the API key and the hash table location.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	configCmd.AddCommand(newConfigInitCmd(g))
	configCmd.AddCommand(newConfigShowCmd(g))
	return configCmd
}

func newConfigInitCmd(g *globals) *cobra.Command {
	var (
		hashTable    string
		organization string
		timeout      time.Duration
		overwrite    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file",
		Long: `Write a config file from the current settings and flags. The portal URL is
taken from --remote or CKAN_REMOTE_URL.

Examples:
  ckansync config init -r https://data.example.org -k $KEY --organization my-org`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configFile
			if path == "" {
				var err error
				if path, err = GetDefaultConfigPath(); err != nil {
					return ErrConfigWrite.MsgErr("failed to get default config path", err)
				}
			}
			if _, err := os.Stat(path); err == nil && !overwrite {
				return ErrUsage.Msg(fmt.Sprintf("config file %s already exists; pass --overwrite to replace it", path))
			}

			cfg := *g.cfg
			cfg.Version = ConfigVersion
			if hashTable != "" {
				cfg.HashTable = hashTable
			}
			if organization != "" {
				cfg.Organization = organization
			}
			if timeout > 0 {
				cfg.Timeout = timeout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.WriteConfig(path); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if g.format() != formatText {
				return printValue(w, g.format(), map[string]string{
					"remote":      cfg.Remote,
					"config_file": path,
				})
			}
			okLabel.Fprintf(w, "Config written: %s\n", path)
			fmt.Fprintf(w, "Remote: %s\n", cfg.Remote)
			return nil
		},
	}
	cmd.Flags().StringVarP(&hashTable, "hash-table", "H", "", "Name of the hash table package")
	cmd.Flags().StringVar(&organization, "organization", "", "Organization owning a created hash table package")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Timeout of a single portal request")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing config file")
	return cmd
}

func newConfigShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if g.format() != formatText {
				return printValue(w, g.format(), g.cfg.view())
			}
			cfg := g.cfg
			rows := [][2]string{
				{"Version", cfg.Version},
				{"Remote", cfg.Remote},
				{"API key", cfg.MaskedAPIKey()},
				{"User agent", cfg.UserAgent},
				{"Hash table", cfg.HashTable},
				{"Hash table resource", cfg.HashTableResource},
				{"Hash table id", cfg.HashTableID},
				{"Organization", cfg.Organization},
				{"Timeout", cfg.Timeout.String()},
				{"Read retries", strconv.Itoa(cfg.ReadRetries)},
				{"Chunk rows", strconv.Itoa(cfg.ChunkRows)},
				{"Chunk bytes", strconv.Itoa(cfg.ChunkBytes)},
			}
			printRows(w, rows)
			return nil
		},
	}
}
