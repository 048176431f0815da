package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/kuuji/tundev/pkg/tun"
)

var downName string

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Remove a persistent tunnel interface",
	Long: `Attach to an existing persistent TUN interface, clear its persist
flag and close it, which lets the kernel remove the interface. The name
defaults to the one in the config file.`,
	RunE: runDown,
}

func init() {
	downCmd.Flags().StringVarP(&downName, "name", "n", "", "interface name (overrides profile)")
}

func runDown(cmd *cobra.Command, args []string) error {
	name := downName
	if name == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name = cfg.Interface.Name
	}
	if name == "" {
		return fmt.Errorf("no interface name: pass --name or set interface.name in the config")
	}

	// Attaching to the name without the persist flag gives us the existing
	// interface's descriptor.
	dev, err := tun.Open(attachConfig(name))
	if err != nil {
		if dev != nil {
			dev.Close()
		}
		return fmt.Errorf("attaching to %s: %w", name, err)
	}
	defer dev.Close()

	p, ok := dev.(tun.Persister)
	if !ok {
		return fmt.Errorf("clearing persistence is not supported on this platform")
	}
	if err := p.SetPersist(false); err != nil {
		return fmt.Errorf("clearing persist flag on %s: %w", name, err)
	}

	globalLogger.Info("interface removed", "name", name)
	fmt.Printf("%s removed\n", name)
	return nil
}

// attachConfig builds the Config for attaching to an existing interface.
// Open re-applies the MTU it is given, so carry the interface's live MTU
// to keep the attach from reconfiguring it back to the default.
func attachConfig(name string) tun.Config {
	cfg := tun.Config{Name: name}
	if iface, err := net.InterfaceByName(name); err == nil {
		cfg.MTU = iface.MTU
	}
	return cfg
}
