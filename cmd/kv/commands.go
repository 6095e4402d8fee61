package kv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			if version, err := rpcCache.Set(key, []byte(value), viper.GetUint32("flags")); err != nil {
				return err
			} else {
				fmt.Printf("set successfully (version %d)\n", version)
			}
			return nil
		},
	}
	setECmd = &cobra.Command{
		Use:   "setE [key] [value] [expireIn]",
		Short: "Sets the value for a key, the value expires after expireIn milliseconds",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			expireIn, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("expireIn must be a number: %w", err)
			}
			if version, err := rpcCache.SetE(key, []byte(value), viper.GetUint32("flags"), expireIn); err != nil {
				return err
			} else {
				fmt.Printf("setE successfully (version %d)\n", version)
			}
			return nil
		},
	}
	setIfUnsetCmd = &cobra.Command{
		Use:   "setIfUnset [key] [value] [expireIn]",
		Short: "Sets the value for a key if the key is not already set (expireIn in milliseconds, 0 = never)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			expireIn, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("expireIn must be a number: %w", err)
			}
			stored, err := rpcCache.SetIfUnset(key, []byte(value), viper.GetUint32("flags"), expireIn)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, stored=%t\n", key, stored)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if entry, ok, err := rpcCache.Get(key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%v, flags=%d, version=%d, resp=%s\n", key, ok, entry.Flags, entry.Version, entry.Value)
			}
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:     "delete [key]",
		Aliases: []string{"del"},
		Short:   "Deletes a key value pair",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if deleted, err := rpcCache.Delete(key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, deleted=%t\n", key, deleted)
			}
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if found, err := rpcCache.Has(key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%t\n", key, found)
			}
			return nil
		},
	}
	bulkCmd = &cobra.Command{
		Use:   "bulk [key=value]...",
		Short: "Sets many key value pairs, all or nothing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]string, 0, len(args))
			values := make([][]byte, 0, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid pair %q (expected key=value)", arg)
				}
				keys = append(keys, key)
				values = append(values, []byte(value))
			}
			expireIn, _ := cmd.Flags().GetUint64("expire-in")
			if err := rpcCache.BulkSet(keys, values, expireIn); err != nil {
				return err
			}
			fmt.Printf("bulk set %d keys successfully\n", len(keys))
			return nil
		},
	}
)

func init() {
	bulkCmd.Flags().Uint64("expire-in", 0, "Expiration of all values in milliseconds (0 = never)")
}
