// Package deployer defines the contract between certbot_deployer and its
// plugins, and the registry plugins join from their init functions.
//
// A plugin is a Go package that registers itself:
//
//	func init() {
//	    deployer.MustRegister(&MyDeployer{})
//	}
//
// and is linked into the binary with a blank import. Each registered deployer
// becomes one subcommand.
package deployer

import (
	"context"

	"github.com/spf13/cobra"

	"certbot_deployer/pkg/bundle"
)

// Deployer is implemented by every plugin.
type Deployer interface {
	// Subcommand is the command-line name of the plugin. It is also the
	// configuration section holding the plugin's option defaults.
	Subcommand() string

	// Version is printed next to the framework version by --version.
	Version() string

	// RegisterArgs adds the plugin's flags to its subcommand. It may also set
	// the command's Short and Long help.
	RegisterArgs(cmd *cobra.Command)

	// PostParse validates or normalises arguments once parsing is done. Only
	// the selected plugin's PostParse runs.
	PostParse(args *Args) error

	// Entrypoint performs the deployment.
	Entrypoint(ctx context.Context, args *Args, b *bundle.Bundle) error
}

// Base can be embedded by plugins that need no PostParse step.
type Base struct{}

// PostParse does nothing.
func (Base) PostParse(*Args) error { return nil }
