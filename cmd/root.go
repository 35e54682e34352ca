// Package cmd wires the cobra CLI: one positional export-root argument
// plus the flags spec.md §6 enumerates.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	tnfsserve "github.com/kgbplus/tnfsd/cmd/serve/tnfs"
	"github.com/kgbplus/tnfsd/internal/log"
)

var opt = tnfsserve.DefaultOpt

// Root is the daemon's top-level command.
var Root = &cobra.Command{
	Use:   "tnfsd <export-root>",
	Short: "Serve a directory tree over TNFS",
	Long: `tnfsd exports a single directory tree over the TNFS protocol so
resource-constrained clients can mount it and perform remote file
operations (directory listing, open/read/write/seek/close, rename,
unlink, mkdir/rmdir, stat) against it.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(command *cobra.Command, args []string) error {
		opt.Root = args[0]
		log.SetLevel(opt.Verbose)

		srv, err := tnfsserve.NewServer(&opt)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(command.Context())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Logf("tnfsd", "shutting down")
			cancel()
		}()

		return srv.Serve(ctx)
	},
}

func init() {
	flags := Root.Flags()
	flags.IntVarP(&opt.Port, "port", "p", opt.Port, "UDP/TCP port to listen on")
	flags.BoolVarP(&opt.Verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opt.MetricsAddr, "metrics-addr", "", "address for the optional /metrics HTTP endpoint (empty disables it)")
	flags.DurationVar(&opt.IdleTimeout, "idle-timeout", opt.IdleTimeout, "session idle timeout before automatic teardown")
}

// Execute runs the root command, returning the error cobra produced (if
// any) for main to turn into a process exit code.
func Execute() error {
	return Root.Execute()
}
