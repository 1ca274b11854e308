package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending sessions and purge those past retention",
		Long: `Run one reaper pass against the configured store.

Pending sessions past their expiry become expired. Sessions whose expiry is
older than correlation.retention are deleted with their event log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, err := openRelay(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeRelay(r, &err)

			res, err := r.Engine().PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			return writeResult(rootOpts, cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "expired %d, purged %d\n", res.Expired, res.Purged)
			})
		},
	}
}
