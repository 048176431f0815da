package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"github.com/kuuji/tundev/pkg/tun"
)

var tcplogCmd = &cobra.Command{
	Use:   "tcplog",
	Short: "Create an interface and log TCP flows routed into it",
	Long: `Create the profile's TUN interface and print one line per TCP
segment the kernel routes into it. Useful for watching what traffic a
route actually carries. Runs until interrupted.`,
	RunE: runTCPLog,
}

func runTCPLog(cmd *cobra.Command, args []string) error {
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

	globalLogger.Info("logging TCP flows", "name", dev.Name(), "address", dev.Addr())

	closeOnSignal(dev)

	buf := make([]byte, dev.MTU())
	for {
		n, err := dev.Read(buf)
		if err != nil {
			if errors.Is(err, tun.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", dev.Name(), err)
		}
		logTCP(buf[:n])
	}
}

// logTCP prints a one-line summary of a TCP segment. Non-TCP packets are
// silently skipped.
func logTCP(data []byte) {
	first := layers.LayerTypeIPv4
	if len(data) > 0 && data[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Lazy)

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp := tcpLayer.(*layers.TCP)

	var src, dst string
	if ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		src, dst = ip4.SrcIP.String(), ip4.DstIP.String()
	} else if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		src, dst = ip6.SrcIP.String(), ip6.DstIP.String()
	} else {
		return
	}

	fmt.Printf("%s %s:%d > %s:%d flags=%s seq=%d len=%d\n",
		time.Now().Format("15:04:05.000"),
		src, tcp.SrcPort, dst, tcp.DstPort,
		tcpFlags(tcp), tcp.Seq, len(tcp.Payload))
}

// tcpFlags renders the segment's flag bits in tcpdump order.
func tcpFlags(t *layers.TCP) string {
	var s []byte
	if t.SYN {
		s = append(s, 'S')
	}
	if t.FIN {
		s = append(s, 'F')
	}
	if t.RST {
		s = append(s, 'R')
	}
	if t.PSH {
		s = append(s, 'P')
	}
	if t.ACK {
		s = append(s, 'A')
	}
	if t.URG {
		s = append(s, 'U')
	}
	if len(s) == 0 {
		return "."
	}
	return string(s)
}
