// Command fleetd is the node daemon: it constructs one node's cluster
// listener, service manager, and data-sync registry from a bootstrap
// descriptor and runs until asked to stop.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hearthnet/fleet/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "fleetd runs one node of a fleet cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("bootstrap", "fleetd.yaml", "Path to the YAML bootstrap descriptor")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(peerCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrapPath, _ := cmd.Flags().GetString("bootstrap")
		nodeID, _ := cmd.Flags().GetString("node-id")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		maxMemoryFlag, _ := cmd.Flags().GetString("max-memory")
		maxMemoryMiB, err := types.ParseMemoryMiB(maxMemoryFlag)
		if err != nil {
			return fmt.Errorf("fleetd: %w", err)
		}
		javaCmd, _ := cmd.Flags().GetString("java-command")

		return startDaemon(bootstrapPath, nodeID, clusterID, maxMemoryMiB, javaCmd)
	},
}

func init() {
	startCmd.Flags().String("node-id", "", "This node's unique id (generated if the cluster config doesn't already exist)")
	startCmd.Flags().String("cluster-id", "", "Cluster id new peers must present to join (generated if the cluster config doesn't already exist)")
	startCmd.Flags().String("max-memory", "", "Memory budget for placement on this node (e.g. 512m, 2g, or a bare MiB count; unset = unbounded)")
	startCmd.Flags().String("java-command", "", "Default java-style entrypoint command for runners that need one")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage join tokens for node admission",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint a new join token",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := issueToken(dataDir, role, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token.Token)
		fmt.Printf("role: %s, expires: %s\n", token.Role, token.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outstanding join tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		tokens, err := listTokens(dataDir)
		if err != nil {
			return err
		}
		for _, t := range tokens {
			fmt.Printf("%s\trole=%s\texpires=%s\n", t.Token, t.Role, t.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	tokenCmd.PersistentFlags().String("data-dir", "", "Data directory holding this node's bbolt store")
	tokenCmd.MarkPersistentFlagRequired("data-dir")

	tokenIssueCmd.Flags().String("role", "worker", "Role the presenting node will claim (worker, head-candidate, ...)")
	tokenIssueCmd.Flags().Duration("ttl", 24*time.Hour, "How long the token stays valid")

	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenListCmd)
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Administer cluster peer admission",
}

var peerAdmitCmd = &cobra.Command{
	Use:   "admit",
	Short: "Redeem a join token and add a peer to this node's cluster config",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		token, _ := cmd.Flags().GetString("token")
		nodeID, _ := cmd.Flags().GetString("node-id")
		addrs, _ := cmd.Flags().GetStringSlice("addr")

		if len(addrs) == 0 {
			return fmt.Errorf("fleetd: at least one --addr is required")
		}

		identity := types.NodeIdentity{UniqueID: nodeID, ListenAddresses: addrs}
		return peerAdmit(dataDir, token, identity)
	},
}

func init() {
	peerCmd.PersistentFlags().String("data-dir", "", "Data directory holding this node's cluster config and bbolt store")
	peerCmd.MarkPersistentFlagRequired("data-dir")

	peerAdmitCmd.Flags().String("token", "", "Join token presented by the new peer")
	peerAdmitCmd.Flags().String("node-id", "", "New peer's unique id")
	peerAdmitCmd.Flags().StringSlice("addr", nil, "New peer's listen address(es), host:port")
	peerAdmitCmd.MarkFlagRequired("token")
	peerAdmitCmd.MarkFlagRequired("node-id")
	peerAdmitCmd.MarkFlagRequired("addr")

	peerCmd.AddCommand(peerAdmitCmd)
}
