package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"airsend/discovery"
	"airsend/identity"
	"airsend/network"
	"airsend/wire"
)

func sendCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Send files or directories to a peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := ensureIdentity()
			if err != nil {
				return err
			}
			peer, err := resolvePeer(cmd.Context(), ident, target)
			if err != nil {
				return err
			}

			sender, err := network.NewFileSender(clientOptions(ident))
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-ctx.Done()
				sender.Cancel()
			}()

			fmt.Printf("sending %d item(s) to %s (%s:%d)\n", len(args), peer.Alias, peer.IP, peer.Port)
			if err := sender.Send(context.Background(), peer, args); err != nil {
				return fmt.Errorf("%s: %w", network.Classify(err), err)
			}
			fmt.Println("done")
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "peer address (IP[:PORT]) or alias")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func textCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "text MESSAGE",
		Short: "Send clipboard text to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := ensureIdentity()
			if err != nil {
				return err
			}
			peer, err := resolvePeer(cmd.Context(), ident, target)
			if err != nil {
				return err
			}

			sender, err := network.NewTextSender(clientOptions(ident))
			if err != nil {
				return err
			}
			if err := sender.SendText(cmd.Context(), peer, args[0]); err != nil {
				return fmt.Errorf("%s: %w", network.Classify(err), err)
			}
			fmt.Println("sent")
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "peer address (IP[:PORT]) or alias")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func clientOptions(ident *identity.Identity) network.ClientOptions {
	return network.ClientOptions{
		Alias:       cfg.Alias,
		DeviceModel: cfg.DeviceModel,
		DeviceType:  cfg.DeviceType,
		Fingerprint: ident.Fingerprint,
		Port:        cfg.Port,
		Protocol:    cfg.Protocol,
		Download:    cfg.Download,
		OnAccepted: func() {
			fmt.Println("peer accepted the transfer")
		},
		OnProgress: func(frac float64) {
			fmt.Printf("\rsending... %3.0f%%", frac*100)
			if frac >= 1 {
				fmt.Println()
			}
		},
		OnCancelled: func() {
			fmt.Println("\ncancelled")
		},
	}
}

// resolvePeer accepts a literal IP[:PORT] or an alias found by a short scan.
func resolvePeer(ctx context.Context, ident *identity.Identity, target string) (wire.Peer, error) {
	host, port := target, cfg.Port
	if h, p, err := net.SplitHostPort(target); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			host, port = h, n
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return wire.Peer{
			Alias: host,
			IP:    wire.NormalizeAddr(host),
			Port:  port,
			HTTPS: cfg.UseHTTPS(),
		}, nil
	}
	return scanForAlias(ctx, ident, target)
}

func scanForAlias(ctx context.Context, ident *identity.Identity, alias string) (wire.Peer, error) {
	var (
		mu    sync.Mutex
		found *wire.Peer
	)
	matched := make(chan struct{})

	disco, err := discovery.NewService(discoveryConfig(ident, cfg.UseHTTPS(), func(peer wire.Peer) {
		if !strings.EqualFold(peer.Alias, alias) {
			return
		}
		mu.Lock()
		if found == nil {
			found = &peer
			close(matched)
		}
		mu.Unlock()
	}))
	if err != nil {
		return wire.Peer{}, err
	}
	if err := disco.Start(); err != nil {
		return wire.Peer{}, err
	}
	defer disco.Stop()
	disco.TriggerScan()

	select {
	case <-matched:
	case <-time.After(5 * time.Second):
		return wire.Peer{}, fmt.Errorf("no peer named %q found on the network", alias)
	case <-ctx.Done():
		return wire.Peer{}, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return *found, nil
}
