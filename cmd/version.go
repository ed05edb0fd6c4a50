package cmd

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"certbot_deployer/internal/pkg/buildinfo"
)

// errVersionShown stops cobra after the versions are printed. Run reports it
// as success.
var errVersionShown = errors.New("version shown")

// showVersion prints the framework version and, when a deployer was selected,
// the deployer's version too.
func (p *pipeline) showVersion(cmd *cobra.Command, _ []string) error {
	show, err := cmd.Flags().GetBool("version")
	if err != nil || !show {
		return nil
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	setLogLevel(verbosity)
	info := buildinfo.Get()
	logrus.WithFields(logrus.Fields{
		"commit": info.CommitHash,
		"built":  info.BuildTime,
	}).Debug("build information")

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", Name, info.Version)
	if cmd != cmd.Root() {
		if d, ok := p.index[cmd.Name()]; ok {
			fmt.Fprintf(out, "%s %s\n", d.Subcommand(), d.Version())
		}
	}
	return errVersionShown
}
