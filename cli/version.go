package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"gatekeeper.evalgo.org/version"
)

// keyDependencies are listed by "gatekeeper version".
var keyDependencies = []string{
	"github.com/redis/go-redis/v9",
	"go.etcd.io/bbolt",
	"gorm.io/gorm",
	"github.com/golang-jwt/jwt/v5",
	"github.com/lestrrat-go/jwx/v2",
	"github.com/labstack/echo/v4",
	"github.com/streadway/amqp",
}

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "print the full build info as JSON")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and key dependency versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(version.GetBuildInfo())
		}

		info := version.GetBuildInfo()
		fmt.Fprintf(out, "gatekeeper %s (%s)\n", info.Version, info.GoVersion)
		if info.Commit != "" {
			fmt.Fprintf(out, "commit %s\n", info.Commit)
		}
		for _, path := range keyDependencies {
			if dep := version.GetDependency(path); dep != nil {
				fmt.Fprintf(out, "  %s %s\n", dep.Path, dep.Version)
			}
		}
		return nil
	},
}
