package admin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/rpc/client"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/spf13/cobra"
)

var (
	rpcCache *client.CacheClient

	// AdminCommands represents the admin command group
	AdminCommands = &cobra.Command{
		Use:               "admin",
		Short:             "Control maintenance and state transfers of a node",
		PersistentPreRunE: setupAdminClient,
	}

	maintenanceCmd = &cobra.Command{
		Use:       "maintenance [on|off]",
		Short:     "Enter or leave maintenance mode",
		Long:      "Enter or leave maintenance mode. While in maintenance, pending state transfers of the node wait until maintenance ends.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("invalid maintenance state %q (expected on or off)", args[0])
			}
			if err := rpcCache.SetMaintenance(on); err != nil {
				return err
			}
			fmt.Printf("maintenance %s\n", args[0])
			return nil
		},
	}

	transferCmd = &cobra.Command{
		Use:   "transfer [peer]",
		Short: "Stream the state of the node to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			list, _ := cmd.Flags().GetString("partitions")
			partitions, err := parsePartitions(list)
			if err != nil {
				return err
			}
			if err := rpcCache.RequestTransfer(args[0], common.TransferPayload{Reason: reason, Partitions: partitions}); err != nil {
				return err
			}
			fmt.Printf("transfer to %s requested\n", args[0])
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the maintenance status and the transfer sessions of the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := rpcCache.Status()
			if err != nil {
				return err
			}
			fmt.Print(status)
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add subcommands to admin command
	AdminCommands.AddCommand(maintenanceCmd)
	AdminCommands.AddCommand(transferCmd)
	AdminCommands.AddCommand(statusCmd)

	// Add common RPC flags to the admin command
	util.SetupRPCClientFlags(AdminCommands)

	transferCmd.Flags().String("reason", "admin", "Reason of the transfer shown in the session status")
	transferCmd.Flags().String("partitions", "", "Comma-separated list of partitions to transfer (empty = all)")
}

// setupAdminClient initializes the RPC cache client
func setupAdminClient(cmd *cobra.Command, _ []string) (err error) {
	rpcCache, err = util.NewCacheClient(cmd)
	return err
}

// parsePartitions parses a comma separated list of partition numbers
func parsePartitions(list string) ([]uint32, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var partitions []uint32
	for _, p := range strings.Split(list, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid partition %q: %w", p, err)
		}
		partitions = append(partitions, uint32(n))
	}
	return partitions, nil
}
