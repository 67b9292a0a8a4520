package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/igjeong/edgeflow/ipc"
)

// maxConnectionsShown limits the connection listing of the status command.
const maxConnectionsShown = 20

func newStatusCmd() *cobra.Command {
	var (
		addr        string
		connections bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := ipc.NewClient(addr)

			var (
				status *ipc.StatusResponse
				err    error
			)
			if connections {
				status, err = client.GetConnections()
			} else {
				status, err = client.GetStatus()
			}
			if err != nil {
				return fmt.Errorf("%w\n\nedgeflow is not running. Start it with:\n  edgeflow replay --config edgeflow.yaml --ingress capture.pcap --hold", err)
			}

			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ipc.DefaultAddr, "Address of the status server")
	cmd.Flags().BoolVar(&connections, "connections", false, "List tracked connections")
	return cmd
}

func printStatus(w io.Writer, status *ipc.StatusResponse) {
	fmt.Fprintf(w, "edgeflow Status\n")
	fmt.Fprintf(w, "===============\n\n")
	fmt.Fprintf(w, "Status:           Running\n")
	fmt.Fprintf(w, "Uptime:           %s\n", status.UptimeStr)
	fmt.Fprintf(w, "Interface:        %s\n", status.Interface)
	fmt.Fprintf(w, "Filter ID:        %s\n", status.Attachments.Filter)
	fmt.Fprintf(w, "Ingress ID:       %s\n", status.Attachments.Ingress)
	fmt.Fprintf(w, "Egress ID:        %s\n\n", status.Attachments.Egress)

	fmt.Fprintf(w, "Firewall\n")
	fmt.Fprintf(w, "--------\n")
	fmt.Fprintf(w, "Default policy:   %s\n", status.DefaultPolicy)
	fmt.Fprintf(w, "Exporter:         %s\n", status.ExporterBackend)
	fmt.Fprintf(w, "Passed:           %d\n", status.Firewall.Passed)
	fmt.Fprintf(w, "Dropped:          %d\n", status.Firewall.Dropped)
	fmt.Fprintf(w, "Events emitted:   %d\n", status.Firewall.EventsEmitted)
	fmt.Fprintf(w, "Events rejected:  %d\n\n", status.Firewall.EventsRejected)

	if !status.NATEnabled {
		fmt.Fprintf(w, "NAT:              disabled\n")
		return
	}

	fmt.Fprintf(w, "NAT\n")
	fmt.Fprintf(w, "---\n")
	fmt.Fprintf(w, "Translated:       %d in / %d out\n", status.NAT.IngressTranslated, status.NAT.EgressTranslated)
	fmt.Fprintf(w, "Passthrough:      %d in / %d out\n", status.NAT.IngressPassthrough, status.NAT.EgressPassthrough)
	fmt.Fprintf(w, "Shot:             %d\n", status.NAT.IngressShot)
	fmt.Fprintf(w, "Tracker errors:   %d\n", status.NAT.TrackerErrors)
	fmt.Fprintf(w, "Missing epoch:    %d\n", status.NAT.MissingEpoch)
	fmt.Fprintf(w, "Epoch:            %d\n\n", status.Epoch)

	fmt.Fprintf(w, "Connection Table\n")
	fmt.Fprintf(w, "----------------\n")
	fmt.Fprintf(w, "Active:           %d\n", status.ActiveConns)
	if status.ConnCapacity > 0 {
		fmt.Fprintf(w, "Capacity:         %d\n", status.ConnCapacity)
	}
	if status.Error != "" {
		fmt.Fprintf(w, "Error:            %s\n", status.Error)
	}

	if len(status.Connections) == 0 {
		return
	}

	fmt.Fprintf(w, "\nTracked Connections (showing up to %d)\n", maxConnectionsShown)
	fmt.Fprintf(w, "--------------------------------------\n")
	fmt.Fprintf(w, "%-6s %-24s %-24s %s\n", "Proto", "Client", "Destination", "Epoch")
	for i, conn := range status.Connections {
		if i >= maxConnectionsShown {
			fmt.Fprintf(w, "... and %d more\n", len(status.Connections)-maxConnectionsShown)
			break
		}
		fmt.Fprintf(w, "%-6s %-24s %-24s %d\n", conn.Protocol, conn.Client, conn.Destination, conn.LastObserved)
	}
}
