package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/service"
)

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect and manage peer servers",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known peer servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app) error {
				peers, err := a.eng.Peers.List(ctx, 0, limit)
				if err != nil {
					return err
				}
				fmt.Printf("%-32s %-8s %-25s %-6s %s\n", "DOMAIN", "STATUS", "NEXT POLL", "ERRORS", "INGESTED")
				for _, p := range peers {
					fmt.Printf("%-32s %-8s %-25s %-6d %d\n",
						p.Domain, p.Status,
						p.Scheduler.NextPollAt.Format("2006-01-02T15:04:05Z07:00"),
						p.Scheduler.ErrorCount, p.Stats.ItemsIngested)
				}
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of peers")

	showCmd := &cobra.Command{
		Use:   "show <domain>",
		Short: "Print a peer's full state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app) error {
				p, err := a.eng.Peers.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "set-status <domain> <unknown|trusted|limited|blocked|muted>",
		Short: "Change a peer's trust status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := model.PeerStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("invalid status %q", args[1])
			}
			return runApp(func(ctx context.Context, a *app) error {
				p, err := a.eng.Peers.SetStatus(ctx, args[0], status)
				if err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", p.Domain, p.Status)
				return nil
			})
		},
	}

	pullCmd := &cobra.Command{
		Use:   "pull <domain>",
		Short: "Pull from one peer immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app) error {
				// 写时间线需要 fanout worker
				defer a.startFanout()()
				res, err := a.eng.PullFromServer(ctx, args[0], service.PullOptions{})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}

	cmd.AddCommand(listCmd, showCmd, statusCmd, pullCmd)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
