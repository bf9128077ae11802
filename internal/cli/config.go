package cli

import (
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Print the configuration after defaults, the config file, the env file
and TILLSYNC_* environment variables are merged and validated.

The remote password is redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(rootOpts, cmd)
		},
	}
}

func runConfig(opts *RootOptions, cmd *cobra.Command) error {
	s, err := newSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.cfg
	cfg.Remote.DSN = redactDSN(cfg.Remote.DSN)

	if s.out.JSON() {
		return s.out.Success(cfg)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeGeneric, "failed to render config", err)
	}
	_, err = s.out.Writer.Write(out)
	return err
}

// redactDSN hides the password of URL-style DSNs. Other forms are replaced
// entirely.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "[redacted]"
	}
	if u.Scheme == "file" {
		return dsn
	}
	if u.Opaque != "" {
		// user:pass@tcp(host)/db parses as scheme "user".
		return "[redacted]"
	}
	return u.Redacted()
}
