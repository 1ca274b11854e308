package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and redeliver correlation sessions",
	}
	cmd.AddCommand(newSessionGetCommand(rootOpts))
	cmd.AddCommand(newSessionRedeliverCommand(rootOpts))
	return cmd
}

func newSessionGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session with its event log and delivery state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, err := openRelay(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeRelay(r, &err)

			view, err := r.Engine().GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeResult(rootOpts, cmd.OutOrStdout(), view, func(w io.Writer) {
				printSession(w, view)
			})
		},
	}
}

func newSessionRedeliverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redeliver <session-id>",
		Short: "Send a completed session's merged record downstream again",
		Long: `Redeliver a completed session whose last delivery failed.

The original idempotency key is reused, so the downstream endpoint
deduplicates against any earlier attempt that did arrive. The command waits
for the delivery to settle before exiting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, err := openRelay(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeRelay(r, &err)

			status, err := r.Engine().Redeliver(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res := redeliverResult{SessionID: args[0], DeliveryStatus: status}
			if status == domain.DeliveryQueued {
				if err := r.WaitDeliveries(cmd.Context()); err != nil {
					return fmt.Errorf("waiting for delivery: %w", err)
				}
				rec, err := r.Store().GetDelivery(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				res.DeliveryStatus = rec.Status
				res.Attempts = rec.Attempts
				res.Classification = rec.Classification
			}
			return writeResult(rootOpts, cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s", res.SessionID, res.DeliveryStatus)
				if c := res.Classification; c != nil {
					fmt.Fprintf(w, " (%s: %s)", c.Kind, c.Message)
				}
				fmt.Fprintln(w)
			})
		},
	}
}

type redeliverResult struct {
	SessionID      string                      `json:"session_id"`
	DeliveryStatus domain.DeliveryStatus       `json:"delivery_status"`
	Attempts       int                         `json:"attempts,omitempty"`
	Classification *domain.ErrorClassification `json:"classification,omitempty"`
}

func printSession(w io.Writer, view *domain.SessionView) {
	s := view.Session
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Status:   %s (revision %d)\n", s.Status, s.Revision)
	fmt.Fprintf(w, "Created:  %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Expires:  %s\n", s.ExpiresAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		fmt.Fprintf(w, "Completed: %s\n", s.CompletedAt.Format(time.RFC3339))
	}
	if s.MergedRecord != nil {
		fmt.Fprintf(w, "Event ID: %s\n", s.MergedRecord.EventID)
	}
	if view.Delivery != nil {
		fmt.Fprintf(w, "Delivery: %s after %d attempt(s)\n", view.Delivery.Status, view.Delivery.Attempts)
	}
	fmt.Fprintf(w, "Events:   %d\n", len(view.EventLog))
	for _, e := range view.EventLog {
		fmt.Fprintf(w, "  #%d %s %s\n", e.Seq, e.Kind, e.IngestedAt.Format(time.RFC3339))
	}
}
