// mkhayleyfs initializes a fresh filesystem image on a file or DAX
// device: zeroed metadata regions, a superblock, and a root directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/utsaslab/hayleyfs/hayleyfs"
	"github.com/utsaslab/hayleyfs/pm"
)

var flagSize int64

var rootCmd = &cobra.Command{
	Use:   "mkhayleyfs <device>",
	Short: "Initialize a hayleyfs image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().Int64Var(&flagSize, "size", 128<<20,
		"image size in bytes; ignored if the device already has a fixed size")
}

func run(path string) error {
	size := flagSize

	fi, err := os.Stat(path)
	switch {
	case err == nil && fi.Size() > 0:
		size = fi.Size()
	case err == nil || os.IsNotExist(err):
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	default:
		return err
	}

	dev, err := pm.Open(path, size)
	if err != nil {
		return err
	}
	defer dev.Close()

	fs, err := hayleyfs.New(dev, hayleyfs.Options{Init: true}, nil)
	if err != nil {
		return err
	}
	if err := fs.Unmount(); err != nil {
		return err
	}

	fmt.Printf("initialized %s: %d bytes, %d inodes, %d data pages\n",
		path, size, fs.Layout().NumInodes, fs.Statfs().Blocks)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
