package events

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/lib/dedup"
	"github.com/ValentinKolb/dCache/rpc/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	rpcCache *client.CacheClient

	// EventCommands represents the event command group
	EventCommands = &cobra.Command{
		Use:               "events",
		Short:             "Follow and replay change events",
		PersistentPreRunE: setupEventClient,
	}

	// subscribeCmd represents the subscribe command
	subscribeCmd = &cobra.Command{
		Use:   "subscribe [prefix]...",
		Short: "Print change events of keys with one of the prefixes until interrupted",
		Long:  "Print change events of keys with one of the prefixes until interrupted. Without a prefix all events are printed.",
		RunE:  runSubscribe,
	}

	// replayCmd represents the replay command
	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Print all retained events since a point in time",
		Args:  cobra.NoArgs,
		RunE:  runReplay,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add subcommands to event command
	EventCommands.AddCommand(subscribeCmd)
	EventCommands.AddCommand(replayCmd)

	// Add common RPC flags to the event command
	util.SetupRPCClientFlags(EventCommands)

	subscribeCmd.Flags().String("id", "", "Subscription id (random if empty)")
	replayCmd.Flags().Duration("since", 5*time.Minute, "Replay the events of this duration until now")
}

// setupEventClient initializes the RPC cache client
func setupEventClient(cmd *cobra.Command, _ []string) (err error) {
	rpcCache, err = util.NewCacheClient(cmd)
	return err
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		id = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rpcCache.Subscribe(id, args, printEvent); err != nil {
		return err
	}
	fmt.Printf("subscribed as %s to %s (ctrl-c to stop)\n", id, describePrefixes(args))

	<-ctx.Done()
	if err := rpcCache.Unsubscribe(id); err != nil {
		return err
	}
	return rpcCache.Close()
}

func runReplay(cmd *cobra.Command, _ []string) error {
	since, _ := cmd.Flags().GetDuration("since")
	events, err := rpcCache.Replay(time.Now().Add(-since))
	if err != nil {
		return err
	}
	for _, ev := range events {
		printEvent(ev)
	}
	fmt.Printf("%d events\n", len(events))
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func printEvent(ev dedup.EventRecord) {
	fmt.Printf("%s %-7s partition=%d version=%d keys=%s id=%s\n",
		ev.Timestamp.Format(time.RFC3339Nano), ev.Kind, ev.Partition, ev.Version, strings.Join(ev.Keys, ","), ev.ID)
}

func describePrefixes(prefixes []string) string {
	if len(prefixes) == 0 {
		return "all keys"
	}
	return strings.Join(prefixes, ", ")
}
