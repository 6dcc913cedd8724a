package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/obby/reload-hub/internal/server"
	"github.com/obby/reload-hub/internal/stream"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
)

var (
	clientAddr   string
	reloadOnce   bool
	reloadMatch  string
	eventsTopics string
)

// reloadCmd triggers a batch on a running hub.
var reloadCmd = &cobra.Command{
	Use:   "reload <paths...>",
	Short: "Trigger a reload batch on a running hub",
	Long: `Send a batch of changed paths to a running reload-hub over gRPC.

Examples:
  reload-hub reload css/site.css
  reload-hub reload index.html app.js --once
  reload-hub reload $(git diff --name-only) --match "**/*.css"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReload,
}

// eventsCmd tails the event stream of a running hub.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print events from a running hub",
	RunE:  runEvents,
}

func init() {
	for _, c := range []*cobra.Command{reloadCmd, eventsCmd} {
		c.Flags().StringVar(&clientAddr, "addr", "", "gRPC address of the hub (default: server.host:server.grpc_port from config)")
	}
	reloadCmd.Flags().BoolVar(&reloadOnce, "once", false, "reload the whole page once for this batch")
	reloadCmd.Flags().StringVar(&reloadMatch, "match", "", "only batch files matching this glob")
	eventsCmd.Flags().StringVar(&eventsTopics, "topics", "", "comma separated event names (default: all)")
}

func dialHub() (*grpc.ClientConn, error) {
	addr := clientAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		addr = hostPort(cfg.Server.Host, cfg.Server.GRPCPort)
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func runReload(cmd *cobra.Command, args []string) error {
	conn, err := dialHub()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	summary, err := server.NewReloadClient(conn).Reload(ctx, args, stream.Options{Once: reloadOnce, Match: reloadMatch})
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}

	mode := "inject"
	if summary.FullReload {
		mode = "full reload"
	}
	if summary.Accepted == 0 {
		mode = "nothing to do"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) accepted (%s)\n", summary.Accepted, mode)
	for _, name := range summary.Changed {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	conn, err := dialHub()
	if err != nil {
		return err
	}
	defer conn.Close()

	var topics []string
	for _, t := range strings.Split(eventsTopics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}

	es, err := server.NewReloadClient(conn).StreamEvents(cmd.Context(), topics...)
	if err != nil {
		return err
	}
	for {
		msg, err := es.Recv()
		if err != nil {
			return err
		}
		line, err := protojson.Marshal(msg)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(line))
	}
}
