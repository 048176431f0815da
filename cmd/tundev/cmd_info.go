package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [interface]",
	Short: "Show the state of a tunnel interface",
	Long: `Print name, index, MTU, flags and addresses of an interface. The
name defaults to the one in the config file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	var name string
	if len(args) == 1 {
		name = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name = cfg.Interface.Name
	}
	if name == "" {
		return fmt.Errorf("no interface name: pass one or set interface.name in the config")
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", name, err)
	}

	fmt.Printf("name:   %s\n", iface.Name)
	fmt.Printf("index:  %d\n", iface.Index)
	fmt.Printf("mtu:    %d\n", iface.MTU)
	fmt.Printf("flags:  %s\n", iface.Flags)

	addrs, err := iface.Addrs()
	if err != nil {
		return fmt.Errorf("listing addresses of %s: %w", name, err)
	}
	if len(addrs) == 0 {
		fmt.Println("addrs:  (none)")
		return nil
	}
	var ss []string
	for _, a := range addrs {
		ss = append(ss, a.String())
	}
	fmt.Printf("addrs:  %s\n", strings.Join(ss, " "))
	return nil
}
