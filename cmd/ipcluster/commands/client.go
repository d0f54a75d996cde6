package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/client"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/targets"
)

// withClient connects to the controller for the duration of fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c, err := client.Dial(ctx, &client.Config{Addr: addr})
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

// parseTargets accepts "all" or comma separated engine ids.
func parseTargets(s string) (targets.Spec, error) {
	return targets.Parse(strings.ReplaceAll(s, ",", targets.Separator))
}

// engineIDs returns the ids spec designates, in reply order.
func engineIDs(ctx context.Context, c *client.Client, spec targets.Spec) ([]int, error) {
	if spec.Kind() == targets.KindAll {
		return c.IDs(ctx)
	}
	return spec.IDs(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newExecCommand() *cobra.Command {
	var (
		target  string
		file    string
		noBlock bool
	)

	cmd := &cobra.Command{
		Use:   "exec [script]",
		Short: "Execute a script on engines",
		Long: `Execute a script on the target engines and print each engine's output.

With --no-block the controller answers at once with a result id; the
command prints it and exits.`,
		Example: `  # Run on every engine
  ipcluster exec 'x = 10'

  # Run a file on engines 0 and 2
  ipcluster exec --targets 0,2 --file job.star`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(args, file)
			if err != nil {
				return err
			}
			spec, err := parseTargets(target)
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				out := cmd.OutOrStdout()
				if noBlock {
					id, err := c.Submit(ctx, spec, script)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, id)
					return nil
				}

				ids, err := engineIDs(ctx, c, spec)
				if err != nil {
					return err
				}
				results, execErr := c.Execute(ctx, spec, script)
				if err := printResults(out, ids, results); err != nil {
					return err
				}
				return execErr
			})
		},
	}

	cmd.Flags().StringVarP(&target, "targets", "t", targets.AllLiteral, `target engines ("all" or ids such as 0,2)`)
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the script from a file")
	cmd.Flags().BoolVar(&noBlock, "no-block", false, "submit and print the result id")

	return cmd
}

func readScript(args []string, file string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("give either a script or --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read script: %w", err)
		}
		return string(data), nil
	case len(args) == 1:
		return args[0], nil
	default:
		return "", fmt.Errorf("no script given")
	}
}

// printResults prints result records aligned with ids.
func printResults(w io.Writer, ids []int, results []serial.Value) error {
	records := make([]map[string]any, 0, len(results))
	for _, v := range results {
		var rec map[string]any
		if err := serial.DecodeInto(v, &rec); err != nil {
			return err
		}
		records = append(records, rec)
	}

	if jsonOutput {
		return printJSON(w, records)
	}
	for i, rec := range records {
		id := i
		if i < len(ids) {
			id = ids[i]
		}
		fmt.Fprintf(w, "[%d] In [%v]: %v\n", id, rec["id"], rec["stdin"])
		if s, _ := rec["stdout"].(string); s != "" {
			fmt.Fprintf(w, "[%d] Out: %s", id, s)
			if !strings.HasSuffix(s, "\n") {
				fmt.Fprintln(w)
			}
		}
		if s, _ := rec["stderr"].(string); s != "" {
			fmt.Fprintf(w, "[%d] Err: %s\n", id, strings.TrimRight(s, "\n"))
		}
	}
	return nil
}

func newIDsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ids",
		Short: "List registered engine ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				ids, err := c.IDs(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), ids)
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parseTargets(target)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				statuses, err := c.Status(ctx, spec)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), statuses)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ENGINE\tQUEUED\tCURRENT")
				for _, st := range statuses {
					current := "-"
					if st.Current != nil {
						current = *st.Current
					}
					fmt.Fprintf(tw, "%d\t%d\t%s\n", st.EngineID, st.QueueLength, current)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&target, "targets", "t", targets.AllLiteral, "target engines")
	return cmd
}

func newKeysCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the names bound on engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parseTargets(target)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				ids, err := engineIDs(ctx, c, spec)
				if err != nil {
					return err
				}
				keys, err := c.Keys(ctx, spec)
				if err != nil {
					return err
				}

				byEngine := make(map[int][]string, len(keys))
				for i, k := range keys {
					if i < len(ids) {
						byEngine[ids[i]] = k
					}
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), byEngine)
				}
				sorted := make([]int, 0, len(byEngine))
				for id := range byEngine {
					sorted = append(sorted, id)
				}
				sort.Ints(sorted)
				for _, id := range sorted {
					fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s\n", id, strings.Join(byEngine[id], " "))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&target, "targets", "t", targets.AllLiteral, "target engines")
	return cmd
}

func newResetCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the namespace of engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parseTargets(target)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				return c.Reset(ctx, spec)
			})
		},
	}

	cmd.Flags().StringVarP(&target, "targets", "t", targets.AllLiteral, "target engines")
	return cmd
}

func newKillCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parseTargets(target)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				return c.Kill(ctx, spec)
			})
		},
	}

	cmd.Flags().StringVarP(&target, "targets", "t", targets.AllLiteral, "target engines")
	return cmd
}
