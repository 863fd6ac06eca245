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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tovrik/undertow/internal/session"
	"github.com/tovrik/undertow/pkg/metainfo"
	"github.com/tovrik/undertow/pkg/tracker"
)

// statCmd represents the stat command
var statCmd = &cobra.Command{
	Use:   "stat <torrent>",
	Short: "Print a summary of the torrent along with tracker stats",
	Long: `This command prints a summary of the torrent including its info
hash, a list of files and other metadata. It also fetches swarm counts
from the trackers listed by the torrent.

Examples:

undertow stat <Magnet URL>
undertow stat /path/to/file.torrent
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t, err := metainfo.Load(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not load torrent: %s\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var seeders, leechers, known int
		port := uint16(viper.GetInt("port"))
		req := tracker.NewRequest(t.InfoHash(), port, session.PeerID)

		fmt.Printf("Announcing... ")
		for _, tier := range t.AnnounceList() {
			g := tracker.NewGroup(tier)
			peers := g.Announce(ctx, req)
			known += len(peers)

			for _, stat := range g.Stat() {
				if stat.Err != nil {
					continue
				}

				seeders += stat.Seeders
				leechers += stat.Leechers
			}
		}
		fmt.Printf("done\n\n")

		fmt.Printf("-------\n%s\n-------\n", t.Name())
		fmt.Printf("Info Hash: %s\n", t.HexHash())
		fmt.Printf("Piece length: %s\n", t.PieceLength())
		fmt.Printf("Total size: %s\n", t.Length())
		fmt.Printf("Seeders: %d\n", seeders)
		fmt.Printf("Leechers: %d\n", leechers)
		fmt.Printf("Known peers: %d\n", known)

		fmt.Println("Files:")
		for i, file := range t.Files() {
			fmt.Printf("  %d: %s %s\n", i, file.FullPath, file.Length)
		}

		fmt.Printf("Trackers:\n")
		for _, tier := range t.AnnounceList() {
			for _, url := range tier {
				fmt.Printf("  %s\n", url)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statCmd)
}
