package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/utils"
)

func newSnapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snap",
		Short: "Inspect a snapshot directory",
	}
	cmd.AddCommand(newSnapListCmd(), newSnapCheckCmd())
	return cmd
}

func newSnapListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <dir>",
		Short: "List the snapshots in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := snap.NewSnapManager(args[0], snap.Options{})
			keys, err := mgr.ListIdleSnap()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REGION\tTERM\tINDEX\tROLE\tSIZE")
			for _, k := range keys {
				s, role, err := openSnap(mgr, k.Key, k.IsSending)
				if err != nil {
					fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%v\n", k.Key.RegionID, k.Key.Term, k.Key.Index, role, err)
					continue
				}
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%d\n", k.Key.RegionID, k.Key.Term, k.Key.Index, role, s.TotalSize())
				s.Close()
			}
			total, err := utils.DirSize(args[0], nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\t\t\tTOTAL\t%d\n", total)
			return w.Flush()
		},
	}
}

func newSnapCheckCmd() *cobra.Command {
	var sending bool
	cmd := &cobra.Command{
		Use:   "check <dir> <region> <term> <index>",
		Short: "Verify the checksums of one snapshot",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids [3]uint64
			for i, arg := range args[1:] {
				v, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return errors.Wrapf(err, "parse %q", arg)
				}
				ids[i] = v
			}
			key := snap.SnapKey{RegionID: ids[0], Term: ids[1], Index: ids[2]}
			s, role, err := openSnap(snap.NewSnapManager(args[0], snap.Options{}), key, sending)
			if err != nil {
				return err
			}
			defer s.Close()
			if !s.Exists() {
				return errors.Wrapf(snap.ErrSnapshotMissing, "%s", s.Path())
			}
			if err := s.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s snapshot %s is valid, %d bytes\n", role, key, s.TotalSize())
			return nil
		},
	}
	cmd.Flags().BoolVar(&sending, "sending", false, "check a generated snapshot instead of a received one")
	return cmd
}

func openSnap(mgr *snap.SnapManager, key snap.SnapKey, sending bool) (*snap.Snap, string, error) {
	if sending {
		s, err := mgr.GetSnapshotForSending(key)
		return s, "generated", err
	}
	s, err := mgr.GetSnapshotForApplying(key)
	return s, "received", err
}
