package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"airsend/config"
	"airsend/identity"
)

var (
	cfg       *config.DeviceConfig
	cfgPath   string
	idManager *identity.Manager

	verbose bool
)

// Execute builds the command tree and runs it.
func Execute() error {
	root := &cobra.Command{
		Use:           "airsend",
		Short:         "LocalSend-compatible LAN file and clipboard transfer",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			var err error
			cfg, cfgPath, err = config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			dataDir, err := config.ResolveDataDir()
			if err != nil {
				return err
			}
			idManager = identity.NewManager(config.IdentityDir(dataDir))
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(receiveCmd(), sendCmd(), textCmd(), scanCmd(), fingerprintCmd(), resetIdentityCmd())
	return root.Execute()
}

func ensureIdentity() (*identity.Identity, error) {
	ident, regenerated, err := idManager.Ensure()
	if err != nil {
		return nil, fmt.Errorf("prepare identity: %w", err)
	}
	if regenerated {
		slog.Info("identity regenerated", "fingerprint", ident.Fingerprint)
	}
	return ident, nil
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
