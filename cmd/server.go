package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"time"

	"github.com/spf13/cobra"

	"github.com/moleculardb/shardrouter/server"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the router.",
		Long: `server runs the router.

It will consult the configured config servers for cluster topology, then
start listening for client connections on the configured port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(Server.Stderr, "shardrouter listening on %s\n", Server.Config.Bind)

			if Server.CPUProfile != "" {
				f, err := os.Create(Server.CPUProfile)
				if err != nil {
					return fmt.Errorf("create cpu profile: %v", err)
				}
				defer f.Close()

				fmt.Fprintln(Server.Stderr, "Starting cpu profile")
				pprof.StartCPUProfile(f)
				time.AfterFunc(Server.CPUTime, func() {
					fmt.Fprintln(Server.Stderr, "Stopping cpu profile")
					pprof.StopCPUProfile()
					f.Close()
				})
			}

			if err := Server.Run(context.Background()); err != nil {
				return fmt.Errorf("error running server: %v", err)
			}

			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt)
			select {
			case sig := <-c:
				fmt.Fprintf(Server.Stderr, "Received %s; gracefully shutting down...\n", sig.String())

				go func() { <-c; os.Exit(1) }()

				if err := Server.Close(); err != nil {
					return err
				}
			case <-Server.Done:
				fmt.Fprintf(Server.Stderr, "Server closed externally")
			}
			return nil
		},
	}
	flags := serveCmd.Flags()

	flags.StringVarP(&Server.Config.Bind, "bind", "b", ":27017", "host:port the router listens on.")
	flags.StringVarP(&Server.Config.ConfigServers, "config-servers", "", "", "Config server connection string, e.g. configRepl/cfg1:27019,cfg2:27019,cfg3:27019.")
	flags.StringVarP(&Server.Config.DataDir, "data-dir", "d", "~/.shardrouter", "Directory to store the router's on-disk topology cache.")
	flags.StringVarP(&Server.Config.LogPath, "log-path", "", "", "Path to write logs to; empty means stderr.")
	flags.BoolVarP(&Server.Config.Verbose, "verbose", "v", false, "Enable debug logging.")
	flags.BoolVarP(&Server.Config.AuthEnabled, "auth-enabled", "", false, "Require MONGODB-CR authentication.")
	flags.BoolVarP(&Server.Config.SharedCursors, "shared-cursors", "", false, "Share one cursor map across all sessions instead of one per connection.")
	flags.BoolVarP(&Server.Config.ReadOnly, "read-only", "", false, "Reject every insert/update/delete/findAndModify with BadRequest.")

	flags.DurationVarP((*time.Duration)(&Server.Config.Topology.ConfirmInterval), "topology.confirm-interval", "", 30*time.Second, "Interval between config-server polls.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Topology.ConfirmRetransmit), "topology.confirm-retransmit", "", 5*time.Second, "Delay before a config-server poll is also sent to the next config server.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Topology.ConfirmTimeout), "topology.confirm-timeout", "", 20*time.Second, "Overall timeout for one config-server poll round.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Topology.LocalThreshold), "topology.local-threshold", "", 15*time.Millisecond, "RTT window within which secondaries are considered equally near.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Topology.MaxReplLag), "topology.max-repl-lag", "", 90*time.Second, "Maximum staleness before a secondary is excluded from reads.")

	flags.IntVarP(&Server.Config.Endpoint.ConnPoolSize, "endpoint.conn-pool-size", "", 8, "Connections kept open per backend endpoint.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Endpoint.PingInterval), "endpoint.ping-interval", "", 10*time.Second, "Steady-state ping interval for a healthy endpoint.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Endpoint.PingFailInterval), "endpoint.ping-fail-interval", "", 2*time.Second, "Ping interval while an endpoint is marked down.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Endpoint.PingTimeout), "endpoint.ping-timeout", "", 5*time.Second, "Per-ping timeout.")

	flags.DurationVarP((*time.Duration)(&Server.Config.Read.Timeout), "read.timeout", "", 30*time.Second, "Timeout for a single read operation against a shard.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Read.Retransmit), "read.retransmit", "", 5*time.Second, "Delay before a read is also sent to a second backend of the same shard.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Write.Timeout), "write.timeout", "", 30*time.Second, "Timeout for a single write operation against a shard.")
	flags.DurationVarP((*time.Duration)(&Server.Config.Write.Retransmit), "write.retransmit", "", 5*time.Second, "Retry spacing for a retryable write failure.")

	return serveCmd
}
