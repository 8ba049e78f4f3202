package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Merith-TK/tftpd/internal/client"
	"github.com/Merith-TK/tftpd/internal/packet"
	"github.com/Merith-TK/tftpd/internal/tftp"
)

var (
	timeout            string
	maxRetransmissions int
	mode               string
)

var rootCmd = &cobra.Command{
	Use:   "tftpc",
	Short: "A TFTP (RFC 1350) client",
}

var getCmd = &cobra.Command{
	Use:   "get <server-addr:port> <remote-file> [local-file]",
	Short: "Download a file from a TFTP server",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runGet,
}

var putCmd = &cobra.Command{
	Use:   "put <server-addr:port> <local-file> [remote-file]",
	Short: "Upload a file to a TFTP server",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runPut,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&timeout, "timeout", "5s", "Per-transfer receive timeout (empty disables retransmission)")
	rootCmd.PersistentFlags().IntVar(&maxRetransmissions, "max-retransmissions", -1, "Max retransmissions before giving up (-1 means unbounded)")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "octet", "Transfer mode (octet or netascii)")

	rootCmd.AddCommand(getCmd, putCmd)
}

func engineConfig() (tftp.Config, error) {
	var cfg tftp.Config
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid --timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if maxRetransmissions >= 0 {
		cfg.MaxRetransmissions = &maxRetransmissions
	}
	return cfg, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	serverAddr, remoteFile := args[0], args[1]
	localFile := remoteFile
	if len(args) == 3 {
		localFile = args[2]
	}

	m, err := packet.ParseMode(mode)
	if err != nil {
		return err
	}
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	c, err := client.New(serverAddr, cfg)
	if err != nil {
		return err
	}

	var out *os.File
	if localFile == "-" {
		out = os.Stdout
	} else {
		out, err = os.Create(localFile)
		if err != nil {
			return fmt.Errorf("create local file: %w", err)
		}
		defer out.Close()
	}

	return c.Get(remoteFile, m, out)
}

func runPut(cmd *cobra.Command, args []string) error {
	serverAddr, localFile := args[0], args[1]
	remoteFile := localFile
	if len(args) == 3 {
		remoteFile = args[2]
	}

	m, err := packet.ParseMode(mode)
	if err != nil {
		return err
	}
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	c, err := client.New(serverAddr, cfg)
	if err != nil {
		return err
	}

	in, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer in.Close()

	return c.Put(remoteFile, m, in)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
