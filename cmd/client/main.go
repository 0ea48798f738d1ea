// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	naming-cli register svcA 10.0.0.1 8080       --server http://localhost:8848
//	naming-cli deregister svcA 10.0.0.1 8080      --server http://localhost:8848
//	naming-cli list svcA                          --server http://localhost:8848
//	naming-cli watch svcA                         --server http://localhost:8848
//	naming-cli cluster nodes                      --server http://localhost:8848
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/distro-naming/navis/client"
)

var (
	serverAddr  string
	namespaceID string
	groupName   string
	clusterName string
	timeout     time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "naming-cli",
		Short: "CLI client for the naming service",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8848", "naming-service node address")
	root.PersistentFlags().StringVar(&namespaceID, "namespace", "public", "namespace ID")
	root.PersistentFlags().StringVar(&groupName, "group", "DEFAULT_GROUP", "group name")
	root.PersistentFlags().StringVar(&clusterName, "cluster", "DEFAULT", "cluster name")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP request timeout")

	root.AddCommand(registerCmd(), deregisterCmd(), listCmd(), watchCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func transport() *client.Transport {
	return client.NewTransport(serverAddr, timeout)
}

// ─── register ───────────────────────────────────────────────────────────

func registerCmd() *cobra.Command {
	var weight float64
	var ephemeral bool
	cmd := &cobra.Command{
		Use:   "register <serviceName> <ip> <port>",
		Short: "Register a service instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[2])
			if err != nil {
				return err
			}
			inst := client.Instance{
				IP: args[1], Port: port, ClusterName: clusterName,
				Ephemeral: ephemeral, Healthy: true, Weight: weight,
			}
			t := transport()
			if err := t.RegisterInstance(context.Background(), namespaceID, groupName, args[0], inst); err != nil {
				return err
			}
			fmt.Printf("registered %s:%d for %s\n", inst.IP, inst.Port, args[0])
			return nil
		},
	}
	cmd.Flags().Float64Var(&weight, "weight", 1.0, "instance weight")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", true, "ephemeral instance")
	return cmd
}

// ─── deregister ─────────────────────────────────────────────────────────

func deregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <serviceName> <ip> <port>",
		Short: "Remove a service instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[2])
			if err != nil {
				return err
			}
			t := transport()
			if err := t.DeregisterInstance(context.Background(), namespaceID, groupName, args[0], args[1], port, clusterName); err != nil {
				return err
			}
			fmt.Printf("deregistered %s:%d from %s\n", args[1], port, args[0])
			return nil
		},
	}
}

// ─── list ───────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <serviceName>",
		Short: "List instances for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := transport()
			info, err := t.QueryInstances(context.Background(), namespaceID, groupName, args[0], clusterName, 0, false)
			if err == client.ErrNotFound {
				fmt.Printf("service %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(info)
			return nil
		},
	}
}

// ─── watch ──────────────────────────────────────────────────────────────

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <serviceName>",
		Short: "Watch a service via the host reactor, printing every change event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.DefaultOptions(serverAddr)
			opts.NamespaceID = namespaceID
			opts.CacheDir, _ = os.MkdirTemp("", "naming-cli-cache-*")

			c, err := client.New(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			c.Subscribe(args[0], clusterName, func(ev client.InstancesChangeEvent) {
				fmt.Printf("change: %s@@%s added=%d removed=%d modified=%d\n",
					ev.GroupName, ev.ServiceName, len(ev.Added), len(ev.Removed), len(ev.Modified))
			})

			info, err := c.GetServiceInfo(context.Background(), args[0], clusterName)
			if err != nil {
				return err
			}
			prettyPrint(info)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
}

// ─── cluster ────────────────────────────────────────────────────────────

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster management commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "List all cluster nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := transport().GetRaw(context.Background(), "/cluster/nodes")
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	})

	joinCmd := &cobra.Command{
		Use:   "join <nodeID> <address>",
		Short: "Join a node to the cluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transport().JoinCluster(context.Background(), args[0], args[1])
		},
	}
	leaveCmd := &cobra.Command{
		Use:   "leave <nodeID>",
		Short: "Remove a node from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transport().LeaveCluster(context.Background(), args[0])
		},
	}

	cmd.AddCommand(joinCmd, leaveCmd)
	return cmd
}

// ─── helpers ────────────────────────────────────────────────────────────

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return port, nil
}

func prettyPrint(v any) {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
