package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kardianos/osext"
	"github.com/spf13/cobra"

	"github.com/dhcgn/eml-to-mbox/eml"
	"github.com/dhcgn/eml-to-mbox/filter"
	"github.com/dhcgn/eml-to-mbox/imap"
)

// Config captures the options of a conversion run.
type Config struct {
	Root          string
	SaveRoot      string
	ErrorDir      string
	Charset       string
	OnConflict    string
	DryRun        bool
	Strict        bool
	StateDir      string
	LogLevel      string
	LogDir        string
	NoProgress    bool
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter returns the filter options of the run.
func (c Config) Filter() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	}
}

// PushConfig captures the options of the push command, which converts a
// tree like a conversion run and stores the messages over IMAP.
type PushConfig struct {
	Root               string
	ErrorDir           string
	Charset            string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	Security           string
	InsecureSkipVerify bool
	FolderPrefix       string
	StateDir           string
	DryRun             bool
	LogLevel           string
	LogDir             string
	NoProgress         bool
	IncludeHeader      []string
	IncludeBody        []string
	ExcludeHeader      []string
	ExcludeBody        []string
}

// Filter returns the filter options of the push.
func (c PushConfig) Filter() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	}
}

// RegisterFlags attaches the conversion flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	programDir, err := ProgramDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("out", filepath.Join(programDir, "mbox"), "Directory receiving the .mbox archives")
	flags.String("errors", "", "Directory receiving copies of files that could not be converted (empty disables)")
	flags.String("charset", eml.DefaultCharset, "Charset of the source files")
	flags.String("on-conflict", "ask", "What to do with existing archives: ask, append, overwrite, skip")
	flags.Bool("dry-run", false, "Scan and convert without writing any archive")
	flags.Bool("strict", false, "Exit non-zero when a message degraded to a soft error")
	flags.String("state-dir", "", "Directory for per-archive ledgers that prevent duplicates on append (empty disables)")
	registerCommon(cmd)
	return nil
}

// RegisterPushFlags attaches the push flags to the provided command.
func RegisterPushFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.String("imap-security", "tls", "Connection security: tls, starttls, none")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder-prefix", "", "Parent folder for the uploaded directories (empty uses the top level)")
	flags.String("errors", "", "Directory receiving copies of files that could not be converted (empty disables)")
	flags.String("charset", eml.DefaultCharset, "Charset of the source files")
	flags.String("state-dir", defaultStateDir, "Directory for upload ledgers")
	flags.Bool("dry-run", false, "Convert and check the ledger without contacting the server")
	registerCommon(cmd)

	if err := cmd.MarkFlagRequired("imap-host"); err != nil {
		return err
	}
	if err := cmd.MarkFlagRequired("imap-user"); err != nil {
		return err
	}
	return nil
}

func registerCommon(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a log file in addition to stdout")
	flags.Bool("no-progress", false, "Disable the progress bar")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// LoadConfig converts the parsed Cobra flags and the positional arguments
// [root] [scan] into a Config. Any second argument selects a dry run.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	saveRoot, err := flags.GetString("out")
	if err != nil {
		return Config{}, err
	}
	errorDir, err := flags.GetString("errors")
	if err != nil {
		return Config{}, err
	}
	charset, err := flags.GetString("charset")
	if err != nil {
		return Config{}, err
	}
	onConflict, err := flags.GetString("on-conflict")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	strict, err := flags.GetBool("strict")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	common, err := loadCommon(cmd)
	if err != nil {
		return Config{}, err
	}

	root, err := resolveRoot(args)
	if err != nil {
		return Config{}, err
	}
	if len(args) > 1 {
		dryRun = true
	}
	saveRoot, err = filepath.Abs(saveRoot)
	if err != nil {
		return Config{}, fmt.Errorf("resolve --out: %w", err)
	}
	if errorDir != "" {
		if errorDir, err = filepath.Abs(errorDir); err != nil {
			return Config{}, fmt.Errorf("resolve --errors: %w", err)
		}
	}
	if stateDir != "" {
		stateDir = filepath.Clean(stateDir)
	}

	cfg := Config{
		Root:          root,
		SaveRoot:      saveRoot,
		ErrorDir:      errorDir,
		Charset:       charset,
		OnConflict:    strings.ToLower(strings.TrimSpace(onConflict)),
		DryRun:        dryRun,
		Strict:        strict,
		StateDir:      stateDir,
		LogLevel:      common.logLevel,
		LogDir:        common.logDir,
		NoProgress:    common.noProgress,
		IncludeHeader: common.filter.IncludeHeader,
		IncludeBody:   common.filter.IncludeBody,
		ExcludeHeader: common.filter.ExcludeHeader,
		ExcludeBody:   common.filter.ExcludeBody,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPushConfig converts the parsed push flags and the optional root
// argument into a PushConfig.
func LoadPushConfig(cmd *cobra.Command, args []string) (PushConfig, error) {
	flags := cmd.Flags()

	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return PushConfig{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return PushConfig{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return PushConfig{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return PushConfig{}, err
	}
	security, err := flags.GetString("imap-security")
	if err != nil {
		return PushConfig{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return PushConfig{}, err
	}
	prefix, err := flags.GetString("folder-prefix")
	if err != nil {
		return PushConfig{}, err
	}
	errorDir, err := flags.GetString("errors")
	if err != nil {
		return PushConfig{}, err
	}
	charset, err := flags.GetString("charset")
	if err != nil {
		return PushConfig{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return PushConfig{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return PushConfig{}, err
	}
	common, err := loadCommon(cmd)
	if err != nil {
		return PushConfig{}, err
	}

	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}
	if stateDir == "" {
		if stateDir, err = defaultStateDir(); err != nil {
			return PushConfig{}, err
		}
	}
	root, err := resolveRoot(args)
	if err != nil {
		return PushConfig{}, err
	}
	if errorDir != "" {
		if errorDir, err = filepath.Abs(errorDir); err != nil {
			return PushConfig{}, fmt.Errorf("resolve --errors: %w", err)
		}
	}

	cfg := PushConfig{
		Root:               root,
		ErrorDir:           errorDir,
		Charset:            charset,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		Security:           strings.ToLower(strings.TrimSpace(security)),
		InsecureSkipVerify: insecureSkipVerify,
		FolderPrefix:       strings.Trim(prefix, "/"),
		StateDir:           filepath.Clean(stateDir),
		DryRun:             dryRun,
		LogLevel:           common.logLevel,
		LogDir:             common.logDir,
		NoProgress:         common.noProgress,
		IncludeHeader:      common.filter.IncludeHeader,
		IncludeBody:        common.filter.IncludeBody,
		ExcludeHeader:      common.filter.ExcludeHeader,
		ExcludeBody:        common.filter.ExcludeBody,
	}

	if err := validatePushConfig(cfg); err != nil {
		return PushConfig{}, err
	}

	return cfg, nil
}

// resolveRoot returns the absolute scan root: the first argument resolved
// against the working directory, or the program directory without one.
func resolveRoot(args []string) (string, error) {
	root := ""
	if len(args) > 0 {
		root = args[0]
	}
	if strings.TrimSpace(root) == "" {
		dir, err := ProgramDir()
		if err != nil {
			return "", err
		}
		root = dir
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	return abs, nil
}

type commonOptions struct {
	logLevel   string
	logDir     string
	noProgress bool
	filter     filter.Options
}

func loadCommon(cmd *cobra.Command) (commonOptions, error) {
	flags := cmd.Flags()

	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return commonOptions{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return commonOptions{}, err
	}
	noProgress, err := flags.GetBool("no-progress")
	if err != nil {
		return commonOptions{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return commonOptions{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return commonOptions{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return commonOptions{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return commonOptions{}, err
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	return commonOptions{
		logLevel:   logLevel,
		logDir:     logDir,
		noProgress: noProgress,
		filter: filter.Options{
			IncludeHeader: includeHeader,
			IncludeBody:   includeBody,
			ExcludeHeader: excludeHeader,
			ExcludeBody:   excludeBody,
		},
	}, nil
}

func validateConfig(cfg Config) error {
	if cfg.Root == cfg.SaveRoot {
		return fmt.Errorf("--out must differ from the root directory")
	}
	if cfg.ErrorDir != "" && cfg.ErrorDir == cfg.Root {
		return fmt.Errorf("--errors must differ from the root directory")
	}
	if _, err := eml.LookupCharset(cfg.Charset); err != nil {
		return fmt.Errorf("invalid --charset: %w", err)
	}
	switch cfg.OnConflict {
	case "ask", "append", "overwrite", "skip":
	default:
		return fmt.Errorf("invalid --on-conflict: %s", cfg.OnConflict)
	}
	if err := validateFilter(cfg.Filter()); err != nil {
		return err
	}
	return validateLogLevel(cfg.LogLevel)
}

func validatePushConfig(cfg PushConfig) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if cfg.IMAPPass == "" && !cfg.DryRun {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if _, err := imap.ParseSecurity(cfg.Security); err != nil {
		return fmt.Errorf("invalid --imap-security: %w", err)
	}
	if cfg.ErrorDir != "" && cfg.ErrorDir == cfg.Root {
		return fmt.Errorf("--errors must differ from the root directory")
	}
	if _, err := eml.LookupCharset(cfg.Charset); err != nil {
		return fmt.Errorf("invalid --charset: %w", err)
	}
	if err := validateFilter(cfg.Filter()); err != nil {
		return err
	}
	return validateLogLevel(cfg.LogLevel)
}

func validateFilter(opts filter.Options) error {
	includeActive := len(opts.IncludeHeader) > 0 || len(opts.IncludeBody) > 0
	excludeActive := len(opts.ExcludeHeader) > 0 || len(opts.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid --log-level: %s", level)
}

// ProgramDir returns the directory of the running executable, the default
// scan root.
func ProgramDir() (string, error) {
	dir, err := osext.ExecutableFolder()
	if err != nil {
		return "", fmt.Errorf("locate program directory: %w", err)
	}
	return dir, nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".eml2mbox", "state"), nil
}
