package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// cli carries what PersistentPreRunE resolved to the subcommands.
type cli struct {
	v      *viper.Viper
	cfg    config.Config
	logger *logging.Logger
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	c := &cli{v: v}
	cmd := &cobra.Command{
		Use:           "relaynote",
		Short:         "Offline-first note and table sync engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.logger.Close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("data-dsn", "", "local storage DSN (diskv://, sqlite://, memory://)")
	flags.String("remote-dsn", "", "remote store DSN (memory://, postgres://, http(s)://)")
	flags.String("remote-token", "", "bearer token for an http(s) remote")
	flags.String("user", "", "user id to sign in as")
	flags.String("http-addr", "", "control API address")
	flags.String("api-token", "", "static bearer token for the control API")
	flags.String("jwt-secret", "", "HS256 secret for control API and hub tokens")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "console or json")
	flags.String("log-file", "", "append logs to this file instead of stderr")
	bindFlags(v, flags, map[string]string{
		config.KeyDataDSN:     "data-dsn",
		config.KeyRemoteDSN:   "remote-dsn",
		config.KeyRemoteToken: "remote-token",
		config.KeyUserID:      "user",
		config.KeyHTTPAddr:    "http-addr",
		config.KeyAPIToken:    "api-token",
		config.KeyJWTSecret:   "jwt-secret",
		config.KeyLogLevel:    "log-level",
		config.KeyLogFormat:   "log-format",
		config.KeyLogFile:     "log-file",
	})

	addServe(cmd, c)
	addSync(cmd, c)
	addStatus(cmd, c)
	addHub(cmd, c)
	addToken(cmd, c)
	addVersion(cmd)
	return cmd
}

// bindFlags binds each viper key to its flag. Unset flags fall through to
// the config file, environment and defaults.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Path:   cfg.LogFile,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	if cfg.File != "" {
		logger.Debug().Str("file", cfg.File).Msg("loaded config")
	}
	return nil
}
