package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
)

const redacted = "********"

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and prepare configuration",
		Args:  cobra.NoArgs,
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(redact(*cfg))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(flags); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("valid:"), flags.configPath)
			return nil
		},
	}
	encrypt := &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a gateway token for the config file",
		Long: `Encrypt VALUE with the passphrase in ESP32TOOLS_CONFIG_KEY. Put the output
in gateway.auth.tokens[].token; it is decrypted when the config is loaded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("ESP32TOOLS_CONFIG_KEY")
			if passphrase == "" {
				return domain.NewDomainError("config.encrypt", domain.ErrInvalidInput, "ESP32TOOLS_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return fmt.Errorf("%w: %w", domain.ErrEncryption, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
	cmd.AddCommand(show, validate, encrypt)
	return cmd
}

// redact returns a copy of cfg with gateway tokens masked.
func redact(cfg config.Config) config.Config {
	tokens := make([]config.TokenConfig, len(cfg.Gateway.Auth.Tokens))
	for i, t := range cfg.Gateway.Auth.Tokens {
		t.Token = redacted
		tokens[i] = t
	}
	cfg.Gateway.Auth.Tokens = tokens
	return cfg
}
