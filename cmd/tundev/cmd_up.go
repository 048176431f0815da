package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/tundev/internal/config"
	"github.com/kuuji/tundev/pkg/tun"
)

var (
	upName    string
	upAddress string
	upMTU     int
	upPersist bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Create and configure a tunnel interface",
	Long: `Create a TUN interface from the profile in the config file, assign
its address, set the MTU and bring the link up. The interface lives as
long as the command runs; pass --persist to keep it after exit.

Flags override the corresponding profile fields.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVarP(&upName, "name", "n", "", "interface name (overrides profile)")
	upCmd.Flags().StringVarP(&upAddress, "address", "a", "", "interface address in CIDR notation (overrides profile)")
	upCmd.Flags().IntVarP(&upMTU, "mtu", "m", 0, "interface MTU (overrides profile)")
	upCmd.Flags().BoolVar(&upPersist, "persist", false, "keep the interface after tundev exits")
}

func runUp(cmd *cobra.Command, args []string) error {
	tc, err := tunConfig()
	if err != nil {
		return err
	}

	dev, err := tun.Open(tc)
	if err != nil {
		if dev != nil {
			dev.Close()
		}
		return fmt.Errorf("creating interface: %w", err)
	}
	defer dev.Close()

	globalLogger.Info("interface up",
		"name", dev.Name(),
		"address", dev.Addr(),
		"mtu", dev.MTU(),
		"persist", tc.Persist)

	if tc.Persist {
		// Persistent interfaces survive the descriptor; no need to hold it.
		fmt.Printf("%s is up and persistent; run 'tundev down -n %s' to remove it\n", dev.Name(), dev.Name())
		return nil
	}

	fmt.Printf("%s is up; press Ctrl-C to tear it down\n", dev.Name())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	globalLogger.Info("tearing down", "name", dev.Name())
	return nil
}

// tunConfig merges the profile from the config file with the up command's
// flag overrides into a tun.Config.
func tunConfig() (tun.Config, error) {
	// A missing config file is fine when flags describe the interface.
	cfg, err := loadConfig()
	if err != nil {
		if upName == "" && upAddress == "" {
			return tun.Config{}, err
		}
		cfg = config.DefaultConfig()
	}

	tc := tun.Config{
		Name:       cfg.Interface.Name,
		Address:    cfg.Interface.Address,
		Netmask:    cfg.Interface.Netmask,
		MTU:        cfg.Interface.MTU,
		PacketInfo: cfg.Interface.PacketInfo,
		Persist:    cfg.Interface.Persist,
		Up:         true,
		Timeout:    2 * time.Second,
		Logger:     globalLogger,
	}
	if upName != "" {
		tc.Name = upName
	}
	if upAddress != "" {
		tc.Address = upAddress
		tc.Netmask = ""
	}
	if upMTU != 0 {
		tc.MTU = upMTU
	}
	if upPersist {
		tc.Persist = true
	}
	return tc, nil
}
