package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/peerprobe/probe/discovery"
	"github.com/TheusHen/peerprobe/probe/service/echo"
)

const defaultEchoMessage = "Hello, world!"

type echoOptions struct {
	limit   int
	timeout time.Duration
}

func newEchoCmd(a *app) *cobra.Command {
	var opts echoOptions
	cmd := &cobra.Command{
		Use:   "echo <peer-address> [message]",
		Short: "Send a message to a peer and print what comes back",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := defaultEchoMessage
			if len(args) == 2 {
				msg = args[1]
			}
			return a.runEcho(cmd, args[0], msg, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", echo.DefaultResponseLimit, "Maximum response bytes to read")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 10*time.Second, "Give up after this long")
	return cmd
}

func (a *app) runEcho(cmd *cobra.Command, peer, msg string, opts echoOptions) error {
	info, err := discovery.ParseAddrInfo(peer)
	if err != nil {
		return err
	}

	node, err := a.dialer()
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	resp, err := node.Echo(ctx, info, []byte(msg), opts.limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(resp))
	return nil
}
