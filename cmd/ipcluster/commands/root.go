package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", b.Version, b.Commit, b.Date)
}

// Flags shared by the client commands.
var (
	addr       string
	timeout    time.Duration
	jsonOutput bool
)

// Execute builds the command tree and runs it with ctx.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCommand(info).ExecuteContext(ctx)
}

func newRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "ipcluster",
		Short: "Run and drive a MultiEngine controller",
		Long: `ipcluster runs a controller that multiplexes commands from many clients
onto a set of remote engines, and offers client commands to drive it.

Engines connect with ipengine. Clients name the engines a command runs on
with a target list: "all" or engine ids such as "0,2".`,
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&addr, "addr", "a", "127.0.0.1:10105", "controller address")
	flags.DurationVar(&timeout, "timeout", 0, "overall timeout of client commands (0 waits forever)")
	flags.BoolVar(&jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newControllerCommand(),
		newExecCommand(),
		newIDsCommand(),
		newStatusCommand(),
		newKeysCommand(),
		newResetCommand(),
		newKillCommand(),
	)
	return root
}
