// mounthayleyfs mounts an existing filesystem image through FUSE and
// serves it until unmounted or interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	fuse "github.com/utsaslab/hayleyfs"
	"github.com/utsaslab/hayleyfs/hayleyfs"
	"github.com/utsaslab/hayleyfs/pm"
)

var (
	flagInit      bool
	flagWriteType int
)

var rootCmd = &cobra.Command{
	Use:   "mounthayleyfs <device> <mountpoint>",
	Short: "Mount a hayleyfs image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0], args[1])
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().BoolVar(&flagInit, "init", false,
		"initialize a fresh image before mounting")
	rootCmd.Flags().IntVar(&flagWriteType, "write_type", int(hayleyfs.WriteIterator),
		"write path: 0 single-page, 1 runtime-checked, 2 iterator")
}

func run(device, mountpoint string) error {
	if flagWriteType < int(hayleyfs.WriteSinglePage) || flagWriteType > int(hayleyfs.WriteIterator) {
		return fmt.Errorf("invalid write_type %d", flagWriteType)
	}

	fi, err := os.Stat(device)
	if err != nil {
		return err
	}
	dev, err := pm.Open(device, fi.Size())
	if err != nil {
		return err
	}
	defer dev.Close()

	core, err := hayleyfs.New(dev, hayleyfs.Options{
		Init:      flagInit,
		WriteType: hayleyfs.WriteType(flagWriteType),
	}, nil)
	if err != nil {
		return err
	}

	mfs, err := fuse.Mount(mountpoint, hayleyfs.NewFileSystem(core), nil)
	if err != nil {
		return err
	}
	slog.Info("mounted", "device", device, "dir", mfs.Dir())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		if err := mfs.Unmount(); err != nil {
			slog.Error("unmount failed", "error", err)
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		slog.Warn("serve loop ended", "error", err)
	}
	return core.Unmount()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
