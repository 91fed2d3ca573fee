package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"convoflow/internal/transport"
)

func ctlCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Operate a running engine",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:7070", "engine control address")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")

	// call dials the engine and runs fn with a bounded context.
	call := func(cmd *cobra.Command, fn func(context.Context, *transport.ControlClient) error) error {
		cl, cc, err := transport.Dial(addr)
		if err != nil {
			return err
		}
		defer cc.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return fn(ctx, cl)
	}
	modeCmd := func(use, short string, op func(*transport.ControlClient, context.Context, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <live|backfill>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, func(ctx context.Context, cl *transport.ControlClient) error {
					return op(cl, ctx, args[0])
				})
			},
		}
	}
	noArg := func(use, short string, op func(*transport.ControlClient, context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, func(ctx context.Context, cl *transport.ControlClient) error { return op(cl, ctx) })
			},
		}
	}

	var from string
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Enable backfill from a timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ts, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			return call(cmd, func(ctx context.Context, cl *transport.ControlClient) error {
				return cl.EnableBackfill(ctx, ts)
			})
		},
	}
	backfill.Flags().StringVar(&from, "from", "", "RFC3339 start time")
	_ = backfill.MarkFlagRequired("from")

	status := noArg("status", "Print capture and consumer status", func(cl *transport.ControlClient, ctx context.Context) error {
		st, err := cl.GetStatus(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(st.AsMap(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})

	cmd.AddCommand(
		status,
		modeCmd("start", "Enable a capture mode", (*transport.ControlClient).StartCapture),
		modeCmd("stop", "Disable a capture mode", (*transport.ControlClient).StopCapture),
		modeCmd("reset-breaker", "Clear a tripped runaway breaker", (*transport.ControlClient).ResetBreaker),
		backfill,
		noArg("backfill-off", "Disable backfill", (*transport.ControlClient).DisableBackfill),
		noArg("pause", "Pause the assembly consumer", (*transport.ControlClient).PauseConsumer),
		noArg("resume", "Resume the assembly consumer", (*transport.ControlClient).ResumeConsumer),
	)
	return cmd
}
