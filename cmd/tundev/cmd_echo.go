package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"github.com/kuuji/tundev/pkg/tun"
)

var echoPort uint16

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Create an interface and echo UDP datagrams sent into it",
	Long: `Create the profile's TUN interface and answer every UDP datagram
routed into it with the same payload, source and destination swapped.
A quick way to verify that routing into the tunnel works end to end:

  tundev echo -a 10.9.0.1/24 &
  echo ping | nc -u 10.9.0.2 7

Runs until interrupted.`,
	RunE: runEcho,
}

func init() {
	echoCmd.Flags().Uint16VarP(&echoPort, "port", "p", 0, "only echo datagrams to this UDP port (0 echoes all)")
}

func runEcho(cmd *cobra.Command, args []string) error {
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

	globalLogger.Info("echoing UDP", "name", dev.Name(), "address", dev.Addr(), "port", echoPort)

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

		reply, err := echoReply(buf[:n], echoPort)
		if err != nil {
			globalLogger.Debug("skipping packet", "err", err)
			continue
		}
		if reply == nil {
			continue
		}
		if _, err := dev.Write(reply); err != nil {
			if errors.Is(err, tun.ErrClosed) {
				return nil
			}
			return fmt.Errorf("writing to %s: %w", dev.Name(), err)
		}
	}
}

// echoReply builds the mirror of a UDP datagram: addresses and ports
// swapped, payload intact, checksums recomputed. It returns (nil, nil)
// for packets that should not be answered.
func echoReply(data []byte, port uint16) ([]byte, error) {
	first := layers.LayerTypeIPv4
	if len(data) > 0 && data[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Default)

	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, nil
	}
	udp := udpLayer.(*layers.UDP)
	if port != 0 && udp.DstPort != layers.UDPPort(port) {
		return nil, nil
	}

	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	reply := &layers.UDP{SrcPort: udp.DstPort, DstPort: udp.SrcPort}
	payload := gopacket.Payload(udp.Payload)

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		ipr := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    ip.DstIP,
			DstIP:    ip.SrcIP,
		}
		if err := reply.SetNetworkLayerForChecksum(ipr); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(out, opts, ipr, reply, payload); err != nil {
			return nil, fmt.Errorf("serializing echo reply: %w", err)
		}
	case *layers.IPv6:
		ipr := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      ip.DstIP,
			DstIP:      ip.SrcIP,
		}
		if err := reply.SetNetworkLayerForChecksum(ipr); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(out, opts, ipr, reply, payload); err != nil {
			return nil, fmt.Errorf("serializing echo reply: %w", err)
		}
	default:
		return nil, nil
	}

	return out.Bytes(), nil
}

// closeOnSignal tears the device down when the process is interrupted,
// which unblocks any pending Read with ErrClosed.
func closeOnSignal(dev tun.Device) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
		dev.Close()
	}()
}
