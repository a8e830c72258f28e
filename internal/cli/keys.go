package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"keygate/internal/keys"
)

func newIssueCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "issue [count]",
		Short: "Issue new access keys",
		Long:  "Issue count keys (default 1). --days 0 issues keys that never expire.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 1
			if len(args) == 1 {
				if _, err := fmt.Sscanf(args[0], "%d", &count); err != nil {
					return fmt.Errorf("invalid count %q", args[0])
				}
			}
			if days < 0 {
				return errors.New("--days must not be negative")
			}
			ttl := time.Duration(days) * 24 * time.Hour
			return withManager(cmd, func(ctx context.Context, m *keys.Manager, out io.Writer) error {
				issued, err := m.Issue(ctx, count, ttl)
				if err != nil {
					return err
				}
				for _, k := range issued {
					fmt.Fprintln(out, k.Token)
				}
				expiry := "never expire"
				if issued[0].ExpiresAt != nil {
					expiry = "expire " + issued[0].ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Issued %s keys; they %s.\n", humanize.Comma(int64(len(issued))), expiry)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "days until the keys expire (0 = never)")
	return cmd
}

func newListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys with their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *keys.Manager, out io.Writer) error {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TOKEN\tSTATE\tEXPIRES\tHOLDER")
				for k, err := range m.List(ctx) {
					if err != nil {
						return err
					}
					if state != "" && k.State != state {
						continue
					}
					expires := "never"
					if k.ExpiresAt != nil {
						expires = humanize.Time(*k.ExpiresAt)
					}
					holder := "-"
					if k.HolderID != nil {
						holder = k.HolderID.String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.Token, k.State, expires, holder)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only show keys in this state (issued, redeemed, expired)")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a redeemed key and delete its holder's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *keys.Manager, out io.Writer) error {
				holderID, err := m.Revoke(ctx, args[0])
				switch {
				case errors.Is(err, keys.ErrNotFound):
					return errors.New("invalid key")
				case errors.Is(err, keys.ErrNotRedeemed):
					return errors.New("key is unused")
				case err != nil:
					return err
				}
				fmt.Fprintf(out, "Key %s revoked (holder %s).\n", args[0], holderID)
				return nil
			})
		},
	}
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count keys per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *keys.Manager, out io.Writer) error {
				s, err := m.Summary(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "issued:   %s\n", humanize.Comma(int64(s.Issued)))
				fmt.Fprintf(out, "redeemed: %s\n", humanize.Comma(int64(s.Redeemed)))
				fmt.Fprintf(out, "expired:  %s\n", humanize.Comma(int64(s.Expired)))
				fmt.Fprintf(out, "total:    %s\n", humanize.Comma(int64(s.Total())))
				return nil
			})
		},
	}
}

// newHashTokenCmd prints a bcrypt hash suitable for ADMIN_TOKEN_HASH.
func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the ADMIN_TOKEN_HASH value for an admin token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}
