package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawinfra/sandboxgate/internal/security"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var (
		user    string
		role    string
		session string
		expiry  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Long: `Issue a signed API token. The secret is read from the environment
variable named by server.jwt_secret_env (default ` + security.JWTSecretEnv + `).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !security.IsValidRole(role) {
				return fmt.Errorf("unknown role %q (want one of %v)", role, security.ValidRoles)
			}
			if user == "" {
				return fmt.Errorf("--user is required")
			}

			cfg, err := loadConfig(flags.configPath, newLogger(cmd.ErrOrStderr(), slog.LevelWarn), false)
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == nil {
				return fmt.Errorf("no signing secret: set %s", secretEnvName(cfg.Server.JWTSecretEnv))
			}

			tok, err := security.GenerateSessionToken(user, role, session, secret, expiry)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID the token is issued to")
	cmd.Flags().StringVar(&role, "role", security.RoleTester, "Role (admin, developer, tester)")
	cmd.Flags().StringVar(&session, "session", "", "Session ID carried in the token")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "Token lifetime")
	return cmd
}

func secretEnvName(name string) string {
	if name == "" {
		return security.JWTSecretEnv
	}
	return name
}

// PolicyKeyEnv holds the hex Ed25519 private key used by sign-policy when
// --key is not given.
const PolicyKeyEnv = "SANDBOXGATE_POLICY_KEY"

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for signing policy files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := security.GenerateOwnerKeyPair()
			if err != nil {
				return fmt.Errorf("generate key pair: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "public_key  = %x\n", []byte(pub))
			fmt.Fprintf(out, "private_key = %x\n", []byte(priv))
			fmt.Fprintf(out, "\nPut public_key in security.protection.policy_public_key.\n")
			fmt.Fprintf(out, "Keep private_key secret; sign-policy reads it from %s.\n", PolicyKeyEnv)
			return nil
		},
	}
}

func newSignPolicyCmd() *cobra.Command {
	var keyHex string

	cmd := &cobra.Command{
		Use:   "sign-policy <policy-file>",
		Short: "Write a detached signature next to a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyHex == "" {
				keyHex = os.Getenv(PolicyKeyEnv)
			}
			if keyHex == "" {
				return fmt.Errorf("no private key: pass --key or set %s", PolicyKeyEnv)
			}
			priv, err := security.ParsePrivateKey(keyHex)
			if err != nil {
				return err
			}

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read policy: %w", err)
			}
			// Refuse to sign something the gate would not load.
			if _, err := security.ParsePolicy(data, filepath.Ext(path)); err != nil {
				return err
			}

			sig, err := security.SignPolicy(data, priv)
			if err != nil {
				return err
			}
			sigPath := path + security.SignatureSuffix
			if err := os.WriteFile(sigPath, []byte(fmt.Sprintf("%x\n", sig)), 0644); err != nil {
				return fmt.Errorf("write signature: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sigPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "Hex Ed25519 private key (default $"+PolicyKeyEnv+")")
	return cmd
}
