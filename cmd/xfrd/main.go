/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opendnssec/xfrd/xfrcore"
)

var appVersion string

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "xfrd",
	Short: "xfrd is a standalone DNSSEC zone-transfer daemon",
	Long: "xfrd watches a set of secondary zones for change, fetching AXFR/IXFR\n" +
		"from their configured masters and re-serving transfers to downstream\n" +
		"secondaries, independent of any signer or authoritative server process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/xfrd/xfrd.yaml", "configuration file")
	if err := viper.BindPFlag("configfile", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		log.Fatalf("xfrd: bind config flag: %v", err)
	}
}

func loadConfig() (*xfrcore.Config, error) {
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("xfrd: read config %s: %w", cfgFile, err)
	}
	return xfrcore.LoadConfig(viper.GetViper())
}

func main() {
	rootCmd.Version = appVersion
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
