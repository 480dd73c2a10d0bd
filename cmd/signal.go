package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"signalmesh/wire"
)

const peerPollInterval = 250 * time.Millisecond

// signalCmd starts a node and broadcasts one signal once a peer is reachable.
var signalCmd = &cobra.Command{
	Use:   "signal <safe|medical|supplies|danger> [grid]",
	Short: "Broadcasts a status signal to the mesh and keeps relaying",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := wire.ParseSignalKind(strings.ToLower(args[0]))
		if !ok {
			return errors.Errorf("unknown signal kind %q", args[0])
		}
		var grid string
		if len(args) == 2 {
			grid = strings.ToUpper(args[1])
		}
		msgType := wire.TypeSignal
		if viper.GetBool(emergencyFlag) {
			msgType = wire.TypeEmergency
		}

		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := startNode(nodeSettingsFromViper(), os.Stdout)
		if err != nil {
			return err
		}
		defer n.close()
		n.printIdentity(os.Stdout)

		waitCtx := ctx
		if wait := viper.GetDuration(waitFlag); wait > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}
		fmt.Println("Status:          waiting for a peer")
		if err := waitForPeer(waitCtx, n.router.Peers, peerPollInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		id, err := n.broadcastSignal(ctx, msgType, kind, grid)
		if err != nil {
			return errors.Wrap(err, "broadcast signal")
		}
		jww.INFO.Printf("[node] broadcast %s %s as %s", msgType, kind, id)
		fmt.Printf("Status:          %s signal sent (%s), relaying until stopped\n", kind, id)

		<-ctx.Done()
		return nil
	},
}

// waitForPeer polls peers until at least one is connected or ctx ends.
func waitForPeer(ctx context.Context, peers func() []string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if len(peers()) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "no peer connected")
		case <-ticker.C:
		}
	}
}

func init() {
	signalCmd.Flags().BoolP(emergencyFlag, "e", false,
		"Send as an emergency message instead of a routine signal")
	viper.BindPFlag(emergencyFlag, signalCmd.Flags().Lookup(emergencyFlag))

	signalCmd.Flags().Duration(waitFlag, 0,
		"Give up if no peer connects within this time (0 waits forever)")
	viper.BindPFlag(waitFlag, signalCmd.Flags().Lookup(waitFlag))

	rootCmd.AddCommand(signalCmd)
}
