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
	"fmt"
	"os"
	"path"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tovrik/undertow/internal/session"
)

var cfgFile string
var debug bool

var rootCmd = &cobra.Command{
	Use:   "undertow",
	Short: "A BitTorrent download client",
	Long: `Undertow downloads the files described by .torrent files or
magnet links, verifies them piece by piece and seeds them back to the
swarm while running.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.undertow.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	home, err := os.UserHomeDir()
	cobra.CheckErr(err)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".undertow")
	}

	viper.SetDefault("baseDir", path.Join(home, ".undertow"))
	viper.SetDefault("downloadDir", path.Join(home, "Downloads"))
	viper.SetDefault("port", 6881)
	viper.SetDefault("maxConnections", 50)
	viper.SetDefault("dht", true)
	viper.SetDefault("upnp", true)

	viper.SetEnvPrefix("undertow")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newSession() (*session.Session, error) {
	return session.New(session.Config{
		BaseDir:        viper.GetString("baseDir"),
		DownloadDir:    viper.GetString("downloadDir"),
		IP:             viper.GetString("ip"),
		Port:           uint16(viper.GetInt("port")),
		MaxConnections: viper.GetInt("maxConnections"),
		UseDHT:         viper.GetBool("dht"),
		ForwardPorts:   viper.GetBool("upnp"),
	})
}
