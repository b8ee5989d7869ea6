package main

import (
	"fmt"

	gwhttp "github.com/samsamfire/gocia402/pkg/gateway/http"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("servoctl %v (gateway api %v)\n", Version, gwhttp.API_VERSION)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
