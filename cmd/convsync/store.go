package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the conversation cache",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the cached conversations of the configured user",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings
			if s.User.ID == "" {
				return errors.New("store list: user.id is required")
			}
			format, _ := cmd.Flags().GetString("format")
			stores, err := openStore(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer func() { _ = stores.Close() }()

			convs, err := stores.conversations.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				for _, c := range convs {
					if err := enc.Encode(c); err != nil {
						return err
					}
				}
				return nil
			case "table":
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "UID\tWITH\tSTATUS\tLAST\tTEXT")
				for _, c := range convs {
					last := humanize.Time(time.UnixMilli(c.Timestamp))
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.UID, c.ConversationWithFullname, c.Status, last, c.LastMessageText)
				}
				return tw.Flush()
			}
			return errors.Errorf("unknown format %q", format)
		},
	}
	list.Flags().String("format", "table", "output format (table, json)")
	cmd.AddCommand(list)
	return cmd
}
