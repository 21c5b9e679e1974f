package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/delta/jsonl"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

// The item commands are registered under both `master` and `mirror`; role
// says which repo they expect.

func newInsertCmd(role string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert [payload]",
		Short: "Insert an item, or replace one with --address",
		Long: `Insert an item with the given payload. The payload comes from the
argument, from --file, or from stdin with --file -.

With --address the item at that address is replaced instead. Addresses are
written repo/item; a bare number means an item this repo minted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrFlag, _ := cmd.Flags().GetString("address")
			file, _ := cmd.Flags().GetString("file")

			payload, err := readPayload(args, file)
			if err != nil {
				return err
			}

			s, err := openRepo(role, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			repo := s.repo()

			var stored []schema.Item
			err = repo.Write(cmd.Context(), func(ctx context.Context) error {
				var addr schema.Address
				if addrFlag != "" {
					addr, err = schema.ParseAddress(addrFlag)
					if err != nil {
						return err
					}
				} else if addr, err = repo.NewPk(ctx); err != nil {
					return err
				}
				stored, err = repo.InsertOrReplace(ctx, []schema.Item{{Address: addr, Payload: payload}})
				return err
			})
			if err != nil {
				return err
			}

			item := stored[0]
			fmt.Printf("%s Stored %s", ui.RenderPass("✓"), ui.RenderBold(item.Address.String()))
			if item.HasSequence() {
				fmt.Printf(" at sequence %d", item.UpdateSequence)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringP("address", "a", "", "Replace the item at this address")
	cmd.Flags().StringP("file", "f", "", "Read the payload from a file (- for stdin)")
	return cmd
}

func readPayload(args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, errors.New("give the payload as an argument or with --file, not both")
	case len(args) == 1:
		return []byte(args[0]), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		// #nosec G304 - user-supplied path
		return os.ReadFile(file)
	}
	return nil, errors.New("no payload given")
}

func newDeleteCmd(role string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <address>...",
		Short: "Delete items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]schema.Address, 0, len(args))
			for _, arg := range args {
				addr, err := schema.ParseAddress(arg)
				if err != nil {
					return err
				}
				addrs = append(addrs, addr)
			}

			s, err := openRepo(role, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			repo := s.repo()

			var n int
			err = repo.Write(cmd.Context(), func(ctx context.Context) error {
				n, err = repo.DeleteByPk(ctx, addrs)
				return err
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s Deleted %d of %d items\n", ui.RenderPass("✓"), n, len(addrs))
			if skipped := len(addrs) - n; skipped > 0 {
				fmt.Printf("   %d were missing or already deleted\n", skipped)
			}
			return nil
		},
	}
}

func newListCmd(role string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			includeDeleted, _ := cmd.Flags().GetBool("deleted")
			asJSON, _ := cmd.Flags().GetBool("json")

			s, err := openRepo(role, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			repo := s.repo()

			var items []schema.Item
			err = repo.Read(cmd.Context(), func(ctx context.Context) error {
				items, err = repo.List(ctx, includeDeleted)
				return err
			})
			if err != nil {
				return err
			}

			if asJSON {
				records := make([]jsonl.Record, len(items))
				for i, item := range items {
					records[i] = jsonl.RecordFromItem(item)
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			if len(items) == 0 {
				fmt.Println(ui.RenderMuted("No items"))
				return nil
			}
			printItems(os.Stdout, items)
			return nil
		},
	}
	cmd.Flags().Bool("deleted", false, "Include tombstones")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

// printItems writes one line per item, truncating payloads to the terminal
// width.
func printItems(w io.Writer, items []schema.Item) {
	addrWidth := len("ADDRESS")
	for _, item := range items {
		addrWidth = max(addrWidth, len(item.Address.String()))
	}
	prefix := addrWidth + 2 + 8 + 2 + 7 + 2
	payloadWidth := max(ui.Width()-prefix, 10)

	fmt.Fprintf(w, "%s\n", ui.RenderBold(fmt.Sprintf("%-*s  %8s  %-7s  %s", addrWidth, "ADDRESS", "SEQ", "STATUS", "PAYLOAD")))
	for _, item := range items {
		seq := "-"
		if item.HasSequence() {
			seq = fmt.Sprintf("%d", item.UpdateSequence)
		}
		payload := strings.ReplaceAll(string(item.Payload), "\n", " ")
		if len(payload) > payloadWidth {
			payload = payload[:payloadWidth-3] + "..."
		}
		if item.IsDeleted {
			payload = ui.RenderMuted("(deleted)")
		}
		fmt.Fprintf(w, "%-*s  %8s  %-7s  %s\n", addrWidth, item.Address, seq, item.SyncStatus, payload)
	}
}
