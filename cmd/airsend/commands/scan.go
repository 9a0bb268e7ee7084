package commands

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"airsend/discovery"
	"airsend/wire"
)

func scanCmd() *cobra.Command {
	var timeout int

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover peers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := ensureIdentity()
			if err != nil {
				return err
			}

			var (
				mu    sync.Mutex
				peers = map[string]wire.Peer{}
			)
			disco, err := discovery.NewService(discoveryConfig(ident, cfg.UseHTTPS(), func(peer wire.Peer) {
				mu.Lock()
				peers[peer.ID] = peer
				mu.Unlock()
			}))
			if err != nil {
				return err
			}
			if err := disco.Start(); err != nil {
				return err
			}
			defer disco.Stop()

			var mdns *discovery.MDNS
			if cfg.MDNSEnabled {
				mdns, err = discovery.StartMDNS(discoveryConfig(ident, cfg.UseHTTPS(), func(peer wire.Peer) {
					mu.Lock()
					peers[peer.ID] = peer
					mu.Unlock()
				}))
				if err == nil {
					defer mdns.Stop()
				}
			}

			disco.TriggerScan()
			fmt.Printf("scanning for %d seconds...\n", timeout)
			time.Sleep(time.Duration(timeout) * time.Second)

			mu.Lock()
			defer mu.Unlock()
			if len(peers) == 0 {
				fmt.Println("no peers found")
				return nil
			}

			var sorted []wire.Peer
			for _, peer := range peers {
				sorted = append(sorted, peer)
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Alias < sorted[j].Alias })

			fmt.Printf("%-24s %-18s %-6s %-8s %s\n", "ALIAS", "ADDRESS", "PORT", "SCHEME", "FINGERPRINT")
			for _, peer := range sorted {
				fp := peer.ID
				if len(fp) > 16 {
					fp = fp[:16] + "..."
				}
				fmt.Printf("%-24s %-18s %-6d %-8s %s\n", peer.Alias, peer.IP, peer.Port, peer.PreferredScheme(), fp)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&timeout, "timeout", 4, "seconds to listen for replies")
	return cmd
}
