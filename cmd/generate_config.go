// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"io"

	"github.com/pelletier/go-toml"
	"github.com/spf13/cobra"

	"github.com/moleculardb/shardrouter/server"
)

func newGenerateConfigCommand(stdin io.Reader, stdout io.Writer, stderr io.Writer) *cobra.Command {
	confCmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration.",
		Long:  "generate-config prints the default router configuration to stdout as TOML.\n",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := toml.Marshal(server.NewConfig())
			if err != nil {
				return err
			}
			_, err = stdout.Write(b)
			return err
		},
	}
	return confCmd
}
