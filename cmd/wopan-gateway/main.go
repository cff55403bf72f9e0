// Command wopan-gateway runs the local HTTP gateway, or manages its token
// pool and drives one-off uploads directly from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wopan-gateway",
		Short:         "Local HTTP gateway fronting a pooled-token upstream storage adapter",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newUploadCmd())

	return root
}

// exitCodeFor maps a top-level error to the process exit code. run.go's
// RunE returns errStartupFailed for bind/listen failures (exit 1); a plain
// context.Canceled from a caught SIGINT/SIGTERM is signaled separately by
// run.go calling os.Exit(130) itself before returning, so anything reaching
// here is an ordinary command failure.
func exitCodeFor(err error) int {
	return 1
}
