package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"airsend/discovery"
	"airsend/identity"
	"airsend/network"
	"airsend/wire"
)

func receiveCmd() *cobra.Command {
	var (
		plainHTTP bool
		acceptAll bool
		saveDir   string
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Announce this device and accept inbound transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := ensureIdentity()
			if err != nil {
				return err
			}

			useHTTPS := cfg.UseHTTPS() && !plainHTTP
			dir := cfg.SaveDir
			if saveDir != "" {
				dir = saveDir
			}

			server, err := network.NewServer(network.ServerOptions{
				Alias:       cfg.Alias,
				DeviceModel: cfg.DeviceModel,
				DeviceType:  cfg.DeviceType,
				Port:        cfg.Port,
				Identity:    ident,
				UseHTTPS:    useHTTPS,
				Download:    cfg.Download,
				SaveDir:     func() string { return dir },
				AcceptTransfer: func(req network.TransferRequest) bool {
					if acceptAll {
						return true
					}
					prompt := fmt.Sprintf("%s wants to send %d file(s) (%s): %s",
						req.SenderAlias, req.FileCount, formatSize(req.TotalBytes),
						strings.Join(req.FileNames, ", "))
					return confirm(prompt)
				},
				Callbacks: network.ServerCallbacks{
					OnPeer: func(peer wire.Peer) {
						fmt.Printf("peer: %s (%s:%d)\n", peer.Alias, peer.IP, peer.Port)
					},
					OnText: func(text string) {
						fmt.Printf("text received:\n%s\n", text)
					},
					OnFile: func(path string) {
						fmt.Printf("saved: %s\n", path)
					},
					OnProgress: func(frac float64) {
						fmt.Printf("\rreceiving... %3.0f%%", frac*100)
						if frac >= 1 {
							fmt.Println()
						}
					},
					OnComplete: func(success bool, message string) {
						if success {
							fmt.Println("transfer complete")
						} else {
							fmt.Printf("transfer failed: %s\n", message)
						}
					},
					OnCancel: func() {
						fmt.Println("transfer cancelled by sender")
					},
				},
			})
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()

			disco, err := discovery.NewService(discoveryConfig(ident, useHTTPS, nil))
			if err != nil {
				return err
			}
			if err := disco.Start(); err != nil {
				return err
			}
			defer disco.Stop()
			disco.SendAnnouncement()

			if cfg.MDNSEnabled {
				mdns, err := discovery.StartMDNS(discoveryConfig(ident, useHTTPS, nil))
				if err != nil {
					fmt.Fprintf(os.Stderr, "mdns unavailable: %v\n", err)
				} else {
					defer mdns.Stop()
				}
			}

			fmt.Printf("receiving as %q on port %d (%s), saving to %s\n",
				cfg.Alias, cfg.Port, scheme(useHTTPS), dir)
			fmt.Printf("fingerprint: %s\n", identity.FormatFingerprint(ident.Fingerprint))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			fmt.Println("\nshutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&plainHTTP, "http", false, "serve plaintext HTTP even when https is configured")
	cmd.Flags().BoolVarP(&acceptAll, "yes", "y", false, "accept every inbound transfer without asking")
	cmd.Flags().StringVar(&saveDir, "dir", "", "save directory (default from config)")
	return cmd
}

func discoveryConfig(ident *identity.Identity, useHTTPS bool, onPeer func(wire.Peer)) discovery.Config {
	return discovery.Config{
		Alias:       cfg.Alias,
		DeviceModel: cfg.DeviceModel,
		DeviceType:  cfg.DeviceType,
		Fingerprint: ident.Fingerprint,
		Port:        cfg.Port,
		Protocol:    scheme(useHTTPS),
		Download:    cfg.Download,
		OnPeer:      onPeer,
	}
}

func scheme(useHTTPS bool) string {
	if useHTTPS {
		return wire.SchemeHTTPS
	}
	return wire.SchemeHTTP
}
