package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"jobctl/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the local configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a single configuration option",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := applyConfigSet(cfg, args[0], args[1]); err != nil {
			return err
		}
		return config.Save(cfg)
	},
}

func applyConfigSet(cfg *config.Config, key, value string) error {
	switch key {
	case "redis_addr":
		cfg.RedisAddr = value
	case "redis_password":
		cfg.RedisPassword = value
	case "namespace":
		cfg.Namespace = value
	case "queues":
		cfg.Queues = strings.Split(value, ",")
	case "blocking":
		cfg.Blocking = cast.ToBool(value)
	case "interval":
		cfg.Interval = cast.ToInt(value)
	case "timeout":
		cfg.Timeout = cast.ToInt(value)
	case "memory_limit":
		cfg.MemoryLimit = cast.ToInt(value)
	case "dedicated_lock":
		cfg.DedicatedLock = cast.ToBool(value)
	case "default_expiry_time":
		cfg.DefaultExpiryTime = cast.ToInt(value)
	default:
		return fmt.Errorf("config: unknown key %q", key)
	}
	return nil
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
