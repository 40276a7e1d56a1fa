package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pmkol/swcache-x/constant"
	"github.com/pmkol/swcache-x/coremain"
	"github.com/pmkol/swcache-x/mlog"
)

func init() {
	coremain.AddSubCmd(&cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(constant.Version)
		},
	})
}

func main() {
	if err := coremain.Run(); err != nil {
		mlog.S().Error(err)
		os.Exit(1)
	}
}
