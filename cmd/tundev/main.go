// Command tundev creates and manages TUN tunnel interfaces. It talks to
// the kernel directly (rtnetlink on Linux, ioctls on FreeBSD) and needs
// CAP_NET_ADMIN for anything that touches a real interface.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/tundev/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "tundev",
	Short: "Create and manage TUN tunnel interfaces",
	Long: `tundev creates TUN interfaces and configures them without shelling
out to ip(8) or ifconfig(8): addresses and link state go over rtnetlink
on Linux and over socket ioctls on FreeBSD.

Most subcommands need CAP_NET_ADMIN. Run them with sudo, or set the
capability on the binary once:

  sudo setcap cap_net_admin+ep $(which tundev)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tundev version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tundev", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: ~/.config/tundev/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(tcplogCmd)
	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default XDG path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		// Fallback — this shouldn't happen in practice.
		return "config.toml"
	}
	return p
}
