// Command fleetctl is the thin operator CLI: every verb dials a
// running fleetd's admin channel (or, for `migrate database`, opens
// bbolt files directly) and prints the result.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hearthnet/fleet/pkg/types"
	"github.com/spf13/cobra"
)

// errInvalidArgs marks a cobra Args validation failure so main can
// map it to exit code 2, per spec.md §6 (0 success, 1 generic
// failure, 2 invalid arguments).
var errInvalidArgs = errors.New("fleetctl: invalid arguments")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errInvalidArgs) {
			os.Exit(exitInvalidArg)
		}
		os.Exit(exitFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl administers a running fleetd node",
}

func init() {
	rootCmd.PersistentFlags().String("node", "127.0.0.1:8082", "Admin address of the node to talk to (cluster listen port + 2, by default)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(shutdownCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate documents between two storage files",
}

var migrateDatabaseCmd = &cobra.Command{
	Use:   "database <from> <to>",
	Short: "Copy every document from one bbolt file to another",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("%w: migrate database requires exactly <from> and <to>", errInvalidArgs)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, _ := cmd.Flags().GetString("bucket")
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")
		return migrateDatabase(args[0], args[1], bucket, chunkSize)
	},
}

func init() {
	migrateDatabaseCmd.Flags().String("bucket", "docs", "bbolt bucket name shared by both files")
	migrateDatabaseCmd.Flags().Int("chunk-size", 100, "Documents to read/insert per round trip")
	migrateCmd.AddCommand(migrateDatabaseCmd)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create services",
}

var createByCmd = &cobra.Command{
	Use:   "by <task> <amount>",
	Short: "Create amount services from a stored task definition",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("%w: create by requires <task> and <amount>", errInvalidArgs)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		var amount int
		if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil {
			return fmt.Errorf("%w: amount must be an integer, got %q", errInvalidArgs, args[1])
		}
		start, _ := cmd.Flags().GetBool("start")
		node, _ := cmd.Flags().GetString("placement-node")
		memoryFlag, _ := cmd.Flags().GetString("memory")
		memory, err := types.ParseMemoryMiB(memoryFlag)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgs, err)
		}
		return createByTask(addr, args[0], amount, start, node, memory)
	},
}

func init() {
	createByCmd.Flags().Bool("start", false, "Start each service immediately after creation")
	createByCmd.Flags().String("placement-node", "", "Pin placement to a specific node id")
	createByCmd.Flags().String("memory", "", "Override the task's memory budget (e.g. 512m, 2g, or a bare MiB count)")
	createCmd.AddCommand(createByCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Inspect or act on running services",
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known service",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		return serviceList(addr)
	},
}

var serviceActionCmd = &cobra.Command{
	Use:   "action <pattern> <start|stop|restart|delete|copy|cmd|screen>",
	Short: "Run an action against every service matching a glob pattern",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("%w: service action requires <pattern> and an action", errInvalidArgs)
		}
		switch args[1] {
		case "start", "stop", "restart", "delete", "copy", "cmd", "screen":
			return nil
		default:
			return fmt.Errorf("%w: unknown action %q", errInvalidArgs, args[1])
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		return serviceAction(addr, args[0], args[1])
	},
}

func init() {
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceActionCmd)
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage named template storage",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates in a storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		prefix, _ := cmd.Flags().GetString("prefix")
		return templateList(addr, prefix)
	},
}

var templateCreateCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create an empty template",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%w: template create requires <path>", errInvalidArgs)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		prefix, _ := cmd.Flags().GetString("prefix")
		return templateCreate(addr, prefix, args[0])
	},
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a template",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%w: template delete requires <path>", errInvalidArgs)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		prefix, _ := cmd.Flags().GetString("prefix")
		return templateDelete(addr, prefix, args[0])
	},
}

var templateCopyCmd = &cobra.Command{
	Use:   "copy <from> <to>",
	Short: "Copy a template to a new path within the same storage",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("%w: template copy requires <from> and <to>", errInvalidArgs)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		prefix, _ := cmd.Flags().GetString("prefix")
		return templateCopy(addr, prefix, args[0], args[1])
	},
}

func init() {
	for _, cmd := range []*cobra.Command{templateListCmd, templateCreateCmd, templateDeleteCmd, templateCopyCmd} {
		cmd.Flags().String("prefix", "local", "Named template storage to operate against")
	}
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateCreateCmd)
	templateCmd.AddCommand(templateDeleteCmd)
	templateCmd.AddCommand(templateCopyCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Administer a node's cluster config",
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Force the node to re-save its cluster config, re-running its reload handling",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		if err := configReload(addr); err != nil {
			return err
		}
		fmt.Println("config reloaded")
		return nil
	},
}

func init() { configCmd.AddCommand(configReloadCmd) }

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask a node to run its ordered shutdown sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("node")
		if err := requestShutdown(addr); err != nil {
			return err
		}
		fmt.Println("shutdown requested")
		return nil
	},
}
