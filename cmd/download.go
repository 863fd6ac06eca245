/*
Copyright © 2021 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"github.com/tovrik/undertow/internal/session"
	"github.com/tovrik/undertow/pkg/metainfo"
)

var files []int

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <torrent>",
	Short: "Start/Resume a torrent download",
	Long: `This command downloads all of the files described by a torrent,
unless the --files/-f modifier limits the selection. A download that was
interrupted resumes from the pieces already on disk.

Examples:

undertow download /path/to/file.torrent
undertow download --files 0,1,2 /path/to/file.torrent
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t, err := metainfo.Load(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not load torrent: %s\n", err)
			os.Exit(1)
		}

		s, err := newSession()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := s.Init(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer s.Stop()

		var opts []session.Option
		if len(files) > 0 {
			opts = append(opts, session.WithFiles(files...))
		}

		d, err := s.Add(t, opts...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		fmt.Printf("-------\n%s\n-------\n", t.Name())
		watch(d, t.NumPieces())
	},
}

// watch renders a progress bar until the download settles
func watch(d *session.Download, numPieces int) {
	uiprogress.Start()
	defer uiprogress.Stop()

	bar := uiprogress.AddBar(numPieces)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		stat := d.Stat()
		return fmt.Sprintf("%s/s | peers: %d", stat.DownloadRate, stat.Peers)
	})
	bar.AppendElapsed()

	for {
		stat := d.Stat()
		bar.Set(stat.Verified)

		switch d.State() {
		case session.StateCompleted:
			bar.Set(numPieces)
			return
		case session.StateFailed:
			fmt.Fprintln(os.Stderr, "download failed:", d.Err())
			return
		}

		time.Sleep(time.Second)
	}
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().
		IntSliceVarP(&files, "files", "f", []int{}, "Download specific files")
}
