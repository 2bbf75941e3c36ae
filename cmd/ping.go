package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/peerprobe/probe"
	"github.com/TheusHen/peerprobe/probe/discovery"
	"github.com/TheusHen/peerprobe/probe/service/ping"
)

func newPingCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping <peer-address>",
		Short: "Check that a peer answers with the bytes it was sent",
		Long: `Send a random nonce to a peer and verify the reply.
Exits 0 on a verified reply, 1 when the peer cannot be reached and 2 when
it answered with the wrong bytes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPing(cmd, args[0], timeout)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Give up after this long")
	return cmd
}

func (a *app) runPing(cmd *cobra.Command, peer string, timeout time.Duration) error {
	info, err := discovery.ParseAddrInfo(peer)
	if err != nil {
		return err
	}

	node, err := a.dialer()
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := node.Ping(ctx, info)
	if errors.Is(err, ping.ErrVerification) {
		return &exitError{code: 2, err: err}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pong from %s: %d bytes, rtt %s\n", info.PeerID.ShortString(), len(res.Nonce), res.RTT)
	return nil
}

// dialer binds a node that only makes outbound connections.
func (a *app) dialer() (*probe.Node, error) {
	return probe.NewNode(probe.Config{Logger: a.log, DialOnly: true})
}
