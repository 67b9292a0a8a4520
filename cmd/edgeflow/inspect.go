package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"github.com/igjeong/edgeflow/packet"
)

func newInspectCmd() *cobra.Command {
	var unsetEtherType bool

	cmd := &cobra.Command{
		Use:   "inspect FILE.pcap",
		Short: "Print how each frame of a capture is parsed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := packet.Reader{AcceptUnsetEtherType: unsetEtherType}
			_, err := inspectFile(args[0], reader, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().BoolVar(&unsetEtherType, "accept-unset-ethertype", false, "Treat frames with EtherType 0 as IPv4")
	return cmd
}

func openCapture(path string) (*pcapgo.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture: %w", err)
	}

	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to read capture %s: %w", path, err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		f.Close()
		return nil, nil, fmt.Errorf("capture %s: unsupported link type %s", path, r.LinkType())
	}
	return r, f, nil
}

func inspectFile(path string, reader packet.Reader, w io.Writer) (int, error) {
	r, closer, err := openCapture(path)
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	count := 0
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("frame %d: %w", count+1, err)
		}

		count++
		fmt.Fprintf(w, "[%d] %s\n", count, describe(reader.Read(data), len(data)))
	}
}

func describe(pkt packet.Packet, length int) string {
	switch pkt.Status {
	case packet.StatusParsed:
		return fmt.Sprintf("%s %s:%d -> %s:%d state=%s (len=%d)",
			pkt.L4.Transport, pkt.Src, pkt.L4.SrcPort, pkt.Dst, pkt.L4.DstPort, pkt.L4.State, length)
	case packet.StatusMalformed:
		return fmt.Sprintf("%s at %s layer (len=%d)", pkt.Status, pkt.Layer, length)
	case packet.StatusARP, packet.StatusUnrecognized:
		return fmt.Sprintf("%s ethertype=0x%04x (len=%d)", pkt.Status, pkt.EtherType, length)
	default:
		return fmt.Sprintf("%s %s -> %s proto=%d (len=%d)", pkt.Status, pkt.Src, pkt.Dst, pkt.Protocol, length)
	}
}
