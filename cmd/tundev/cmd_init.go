package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kuuji/tundev/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new configuration file",
	Long: `Interactive setup: writes a config file with an interface profile.

If a config file already exists at the target path, you will be
prompted before overwriting it.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	scanner := bufio.NewScanner(os.Stdin)

	// Check for existing config.
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(os.Stderr, "Config file already exists: %s\n", cfgPath)
		if !promptYesNo(scanner, "Overwrite?", false) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()

	cfg.Interface.Name = promptString(scanner, "Interface name (empty lets the kernel pick)", "tun0")

	cfg.Interface.Address = promptString(scanner, "Interface address (CIDR, e.g. 10.0.0.1/24)", "")
	if cfg.Interface.Address == "" {
		return fmt.Errorf("interface address is required")
	}

	mtu := promptString(scanner, "MTU", fmt.Sprintf("%d", config.DefaultMTU))
	if _, err := fmt.Sscanf(mtu, "%d", &cfg.Interface.MTU); err != nil {
		return fmt.Errorf("invalid MTU %q: %w", mtu, err)
	}

	cfg.Interface.Persist = promptYesNo(scanner, "Keep the interface after tundev exits?", false)

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nConfig written to: %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Run 'sudo tundev up' to create the interface.\n")

	return nil
}

// promptString prompts the user for a string value. If the user enters
// nothing and a default is provided, the default is returned.
func promptString(scanner *bufio.Scanner, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(os.Stderr, "%s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
	}

	if !scanner.Scan() {
		return defaultVal
	}

	val := strings.TrimSpace(scanner.Text())
	if val == "" {
		return defaultVal
	}
	return val
}

// promptYesNo prompts the user for a yes/no answer. Returns the default
// if the user enters nothing.
func promptYesNo(scanner *bufio.Scanner, prompt string, defaultYes bool) bool {
	suffix := " [y/N]: "
	if defaultYes {
		suffix = " [Y/n]: "
	}
	fmt.Fprintf(os.Stderr, "%s%s", prompt, suffix)

	if !scanner.Scan() {
		return defaultYes
	}

	val := strings.TrimSpace(strings.ToLower(scanner.Text()))
	switch val {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return defaultYes
	}
}
