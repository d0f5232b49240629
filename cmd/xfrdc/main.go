/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opendnssec/xfrd/xfrcore"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "xfrdc",
	Short: "xfrdc talks to a running xfrd over its control socket",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/xfrd/xfrd.sock", "control socket path")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		&cobra.Command{Use: "reload", Short: "reload configuration", RunE: runCommand("reload")},
		&cobra.Command{
			Use: "retransfer <zone>", Short: "force a retransfer of a zone", Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error { return runCommand("retransfer " + args[0])(cmd, args) },
		},
		&cobra.Command{
			Use: "notify <zone>", Short: "send NOTIFY to a zone's downstream peers", Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error { return runCommand("notify " + args[0])(cmd, args) },
		},
		&cobra.Command{
			Use: "zonestatus <zone>", Short: "print a zone's transfer state", Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error { return runCommand("zonestatus " + args[0])(cmd, args) },
		},
	)
}

// runCommand sends one line-oriented command over the control socket and
// streams back the framed reply, mirroring the one-shot connection model
// ServeControlConn implements on the daemon side.
func runCommand(line string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return fmt.Errorf("xfrdc: connect %s: %w", socketPath, err)
		}
		defer conn.Close()

		if _, err := fmt.Fprintln(conn, line); err != nil {
			return fmt.Errorf("xfrdc: send command: %w", err)
		}

		exitCode := 0
		for {
			frame, err := xfrcore.ReadControlFrame(conn)
			if err != nil {
				return fmt.Errorf("xfrdc: read reply: %w", err)
			}
			switch frame.Op {
			case xfrcore.CtrlOpStdout:
				os.Stdout.Write(frame.Payload)
			case xfrcore.CtrlOpStderr:
				os.Stderr.Write(frame.Payload)
			case xfrcore.CtrlOpExit:
				if len(frame.Payload) > 0 {
					exitCode = int(frame.Payload[0])
				}
				if exitCode != 0 {
					os.Exit(exitCode)
				}
				return nil
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
