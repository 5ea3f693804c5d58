package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuscape/windows-agent/internal/auth"
	"github.com/nuscape/windows-agent/internal/uploader"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register this device with the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			if err := auth.EnsureRegistered(cmd.Context(), a.config, a.tokens, a.devices); err != nil {
				return err
			}
			id, err := a.devices.GetOrCreate()
			if err != nil {
				return err
			}
			fmt.Printf("Registered device %s\n", id)
			return nil
		},
	}
}

func setAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-api <base-url>",
		Short: "Set the backend API base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			if err := a.config.SetAPIBase(args[0]); err != nil {
				return err
			}
			cfg, err := a.config.ResolveUploadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("API base set; batches will post to %s\n", cfg.BatchURL)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent configuration and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			id, err := a.devices.GetOrCreate()
			if err != nil {
				return err
			}
			apiBase, hasAPI := a.config.APIBase()
			if !hasAPI {
				apiBase = "(not set)"
			}
			tokenState := "absent"
			if a.tokens.HasTokens() {
				tokenState = "present"
				if a.tokens.IsAccessTokenExpired(time.Now().UTC()) {
					tokenState = "expired"
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Data dir:\t%s\n", a.paths.Root())
			fmt.Fprintf(w, "Device ID:\t%s\n", id)
			fmt.Fprintf(w, "API base:\t%s\n", apiBase)
			fmt.Fprintf(w, "Tokens:\t%s\n", tokenState)
			fmt.Fprintf(w, "Queued batches:\t%d\n", a.queue.Size())
			return w.Flush()
		},
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the pending batch queue",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			batches := a.queue.Preview(limit)
			if len(batches) == 0 {
				fmt.Println("Queue is empty")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SENT AT\tSESSIONS\tNET DELTAS")
			for _, batch := range batches {
				fmt.Fprintf(w, "%s\t%d\t%d\n",
					batch.SentAt.Format(time.RFC3339), len(batch.Sessions), len(batch.NetworkDeltas))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum batches to show")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop all pending batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			n := a.queue.Size()
			if err := a.queue.Clear(); err != nil {
				return err
			}
			fmt.Printf("Dropped %d batch(es)\n", n)
			return nil
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload all pending batches now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			up := uploader.New(a.config, a.tokens, a.queue)
			result, err := up.UploadPending(ctx)
			if err != nil {
				return err
			}
			out, err := json.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
