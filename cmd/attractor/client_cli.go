package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/attractor"
	"pkt.systems/attractor/metadata"
)

func newSendCommand(levels *levelSwitch) *cobra.Command {
	var (
		contentType string
		file        string
		meta        []string
		b64         bool
	)
	cmd := &cobra.Command{
		Use:   "send ADDRESS [PAYLOAD|-]",
		Short: "Enqueue a message for an address",
		Long:  "Enqueue a message for an address. The payload is the second argument, standard input when it is \"-\", or the contents of --file.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			addr, err := parseAddressArg(args[0], b64)
			if err != nil {
				return fmt.Errorf("address %q: %w", args[0], err)
			}
			payload, err := readPayload(cmd.InOrStdin(), args[1:], file)
			if err != nil {
				return err
			}
			bag, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			var cfg attractor.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			out, err := attractor.NewOutbox(cfg, attractor.WithLogger(levels.Logger()))
			if err != nil {
				return err
			}
			defer out.Close()
			opts := []attractor.SendOption{attractor.WithMetadata(bag)}
			if contentType != "" {
				opts = append(opts, attractor.WithContentType(contentType))
			}
			id, err := out.Send(cmd.Context(), addr, payload, opts...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "payload content type recorded in metadata")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from this file")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "metadata entry key=value; the value is JSON when it parses, a string otherwise (repeatable)")
	cmd.Flags().BoolVar(&b64, "base64-address", false, "ADDRESS is base64url-encoded binary")
	return cmd
}

func readPayload(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case file != "" && len(args) > 0:
		return nil, fmt.Errorf("PAYLOAD and --file are mutually exclusive")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return data, nil
	case len(args) == 0:
		return nil, nil
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return data, nil
	default:
		return []byte(args[0]), nil
	}
}

func parseMetadata(entries []string) (metadata.Bag, error) {
	var bag metadata.Bag
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q: expected key=value", entry)
		}
		if bag == nil {
			bag = metadata.Bag{}
		}
		raw := json.RawMessage(value)
		if !json.Valid(raw) {
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("metadata %q: %w", key, err)
			}
			raw = encoded
		}
		bag[key] = raw
	}
	return bag, nil
}

func newAddressCommand(levels *levelSwitch) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "address",
		Aliases: []string{"addr"},
		Short:   "Inspect the address book",
	}
	var b64 bool
	resolve := &cobra.Command{
		Use:   "resolve ADDRESS",
		Short: "Print the live owner of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			addr, err := parseAddressArg(args[0], b64)
			if err != nil {
				return fmt.Errorf("address %q: %w", args[0], err)
			}
			insp, err := openInspector(levels)
			if err != nil {
				return err
			}
			defer insp.Close()
			owner, ok, err := insp.Resolve(cmd.Context(), addr)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("address %q is not registered", args[0])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), owner)
			return err
		},
	}
	resolve.Flags().BoolVar(&b64, "base64-address", false, "ADDRESS is base64url-encoded binary")

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			insp, err := openInspector(levels)
			if err != nil {
				return err
			}
			defer insp.Close()
			entries, err := insp.Addresses(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tOWNER\tHOST\tEXPIRES")
			for _, e := range entries {
				if !e.Live && !all {
					continue
				}
				expires := humanize.Time(e.ExpiresAt)
				if !e.Live {
					expires = "expired " + expires
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Address.String(), e.Owner, e.Host, expires)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include entries whose lease has lapsed")

	cmd.AddCommand(resolve, list)
	return cmd
}

func newMailboxCommand(levels *levelSwitch) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mailbox",
		Aliases: []string{"mb"},
		Short:   "Inspect mailboxes",
	}
	var b64 bool
	cmd.PersistentFlags().BoolVar(&b64, "base64-address", false, "ADDRESS is base64url-encoded binary")

	var limit int
	peek := &cobra.Command{
		Use:   "peek ADDRESS",
		Short: "List waiting messages without claiming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			addr, err := parseAddressArg(args[0], b64)
			if err != nil {
				return fmt.Errorf("address %q: %w", args[0], err)
			}
			insp, err := openInspector(levels)
			if err != nil {
				return err
			}
			defer insp.Close()
			msgs, err := insp.Peek(cmd.Context(), addr, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tSIZE\tENQUEUED\tVISIBLE\tLAST ERROR")
			now := time.Now()
			for _, m := range msgs {
				visible := "now"
				if m.VisibleAt.After(now) {
					visible = humanize.Time(m.VisibleAt)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					m.ID, m.State, m.Attempts, humanizeBytes(int64(m.Size)),
					humanize.Time(m.EnqueuedAt), visible, m.LastError)
			}
			return tw.Flush()
		},
	}
	peek.Flags().IntVar(&limit, "limit", 32, "maximum messages to list")

	depth := &cobra.Command{
		Use:   "depth ADDRESS",
		Short: "Count the messages stored for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			addr, err := parseAddressArg(args[0], b64)
			if err != nil {
				return fmt.Errorf("address %q: %w", args[0], err)
			}
			insp, err := openInspector(levels)
			if err != nil {
				return err
			}
			defer insp.Close()
			n, err := insp.Depth(cmd.Context(), addr)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}

	dead := &cobra.Command{
		Use:   "dead ADDRESS",
		Short: "List dead-lettered message ids for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			addr, err := parseAddressArg(args[0], b64)
			if err != nil {
				return fmt.Errorf("address %q: %w", args[0], err)
			}
			insp, err := openInspector(levels)
			if err != nil {
				return err
			}
			defer insp.Close()
			ids, err := insp.DeadLetters(cmd.Context(), addr)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(peek, depth, dead)
	return cmd
}

func openInspector(levels *levelSwitch) (*attractor.Inspector, error) {
	var cfg attractor.Config
	if err := bindConfig(&cfg); err != nil {
		return nil, err
	}
	return attractor.OpenInspector(cfg, attractor.WithLogger(levels.Logger()))
}
