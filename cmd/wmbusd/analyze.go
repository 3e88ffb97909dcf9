package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gitlab.com/d21d3q/wmbusd/pkg/gowmbus"
)

func newAnalyzeCmd() *cobra.Command {
	var opts gowmbus.AnalyzeOptions
	cmd := &cobra.Command{
		Use:          "analyze [hex]",
		Short:        "Decode telegrams locally",
		Long:         "analyze decodes one telegram, or reads telegrams from stdin when no argument is given, and prints the JSON line the daemon would send.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 {
				return runInteractive(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), opts)
			}
			res, err := runAnalyze(ctx, cmd.OutOrStdout(), opts, args[0])
			if err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&opts.KeyHex, "key", "", "hex-encoded 16-byte AES key (32 hex chars)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", `driver name, "auto" to detect`)
	cmd.Flags().StringVar(&opts.Format, "format", "", "wmbus or mbus, detected when empty")
	return cmd
}

func runInteractive(ctx context.Context, in io.Reader, out io.Writer, opts gowmbus.AnalyzeOptions) error {
	scanner := bufio.NewScanner(in)
	logrus.Info("wmbusd analyze mode. Paste a hex telegram and press Enter (Ctrl+D to exit).")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		res, err := runAnalyze(ctx, out, opts, line)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			logrus.WithError(err).Error("failed to decode telegram")
		}
	}
	return scanner.Err()
}

func runAnalyze(ctx context.Context, out io.Writer, opts gowmbus.AnalyzeOptions, hex string) (gowmbus.Result, error) {
	res, err := gowmbus.AnalyzeHex(ctx, hex, opts)
	if err != nil {
		return gowmbus.Result{}, err
	}
	fmt.Fprintln(out, res.String())
	return res, nil
}
