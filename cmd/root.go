package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"certbot_deployer/internal/pkg/config"
	"certbot_deployer/pkg/deployer"
	cdeerrors "certbot_deployer/pkg/errors"
)

// Name is the program name.
const Name = "certbot_deployer"

// EnvRenewedLineage is set by certbot for deploy hooks.
const EnvRenewedLineage = "RENEWED_LINEAGE"

const description = "Pluggable certbot deploy hook framework"

type options struct {
	config    *config.Document
	out       io.Writer
	errOut    io.Writer
	lookupEnv func(string) (string, bool)
}

// Option customises Run.
type Option func(*options)

// WithConfig uses doc instead of discovering a configuration file.
func WithConfig(doc *config.Document) Option {
	return func(o *options) { o.config = doc }
}

// WithOutput redirects help, version and deployer output.
func WithOutput(out, errOut io.Writer) Option {
	return func(o *options) {
		o.out = out
		o.errOut = errOut
	}
}

// WithLookupEnv replaces os.LookupEnv for RENEWED_LINEAGE.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

// Execute runs the registered deployers against the process arguments. The
// context is cancelled on SIGINT and SIGTERM.
func Execute() error {
	return Main(deployer.Registered(), os.Args[1:])
}

// Main runs deployers against argv with the discovered configuration file.
func Main(deployers []deployer.Deployer, argv []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, deployers, argv)
}

// Run builds the command line for deployers, parses argv and dispatches to the
// selected deployer.
func Run(ctx context.Context, deployers []deployer.Deployer, argv []string, opts ...Option) error {
	o := &options{
		out:       os.Stdout,
		errOut:    os.Stderr,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Conflicts must surface before any parser exists.
	index, err := deployer.Index(deployers)
	if err != nil {
		return err
	}

	if o.config == nil {
		if o.config, err = config.Load(); err != nil {
			return err
		}
	}

	p := &pipeline{
		opts:      o,
		deployers: deployers,
		index:     index,
		extra:     make(map[string]map[string]any),
	}
	root, err := p.newRootCommand()
	if err != nil {
		return err
	}
	root.SetArgs(argv)

	if len(argv) == 0 {
		_ = root.Help()
		return p.missingSubcommand()
	}

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errVersionShown) {
			return nil
		}
		// Anything not already classified comes from cobra's own argument
		// handling: unknown commands, stray arguments, required flags.
		if cdeerrors.CodeOf(err) == "" {
			return cdeerrors.Wrap(cdeerrors.ErrCodeUsage, "invalid command line", err)
		}
		return err
	}
	return nil
}

type pipeline struct {
	opts      *options
	deployers []deployer.Deployer
	index     map[string]deployer.Deployer

	// extra holds, per section, configuration options that match no flag.
	extra map[string]map[string]any
	// configured holds, per section, options whose default came from the
	// configuration file.
	configured map[string][]string
	// configErr holds, per deployer, a section that could not be applied. It
	// only fails the run when that deployer is selected.
	configErr map[string]error
}

func (p *pipeline) newRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           Name,
		Short:         description,
		Long:          description + "\n\n" + p.epilog(),
		SilenceUsage:  true,
		SilenceErrors: true,
		// Runs before required flags are checked, so --version never needs them.
		PersistentPreRunE: p.showVersion,
		// A bare root invocation has nothing to deploy.
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return p.missingSubcommand()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(p.opts.out)
	root.SetErr(p.opts.errOut)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return cdeerrors.Wrap(cdeerrors.ErrCodeUsage, cmd.CommandPath(), err)
	})

	lineage, _ := p.opts.lookupEnv(EnvRenewedLineage)
	flags := root.PersistentFlags()
	flags.Bool("version", false, "print the version of "+Name+" and of the selected subcommand, then exit")
	flags.CountP("verbose", "v", "set output verbosity (-v=info, -vv=debug, -vvv=trace)")
	flags.String("renewed-lineage", lineage, "certificate lineage directory (set by certbot as $"+EnvRenewedLineage+")")
	// certbot provides this through the environment; users should not pass it.
	_ = flags.MarkHidden("renewed-lineage")

	p.configured = make(map[string][]string)
	p.configErr = make(map[string]error)
	if err := p.applyConfig(config.MainSection, flags); err != nil {
		return nil, err
	}

	root.AddGroup(&cobra.Group{ID: "deployers", Title: "Subcommands (specific certificate deployers):"})
	for _, d := range p.deployers {
		sub := p.newDeployerCommand(d)
		if err := p.applyConfig(d.Subcommand(), sub.Flags()); err != nil {
			p.configErr[d.Subcommand()] = err
		}
		root.AddCommand(sub)
	}

	return root, nil
}

func (p *pipeline) epilog() string {
	if len(p.index) == 0 {
		return "Warning:\n\n  No subcommand plugins discovered. This tool only functions via its plugins."
	}
	return fmt.Sprintf("Try `%s <subcommand> -h`. This tool only functions via its plugins.", Name)
}

func (p *pipeline) missingSubcommand() error {
	names := deployer.Subcommands(p.index)
	if len(names) == 0 {
		return cdeerrors.New(cdeerrors.ErrCodeUsage, "a subcommand is required but no plugins are installed")
	}
	return cdeerrors.NewWithContext(cdeerrors.ErrCodeUsage,
		fmt.Sprintf("a subcommand is required, one of: %s", strings.Join(names, ", ")),
		map[string]any{"subcommands": names})
}

func (p *pipeline) newDeployerCommand(d deployer.Deployer) *cobra.Command {
	sub := &cobra.Command{
		Use:     d.Subcommand(),
		Short:   fmt.Sprintf("Deploy the renewed certificate with the %s plugin", d.Subcommand()),
		GroupID: "deployers",
		Args:    cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			return p.configErr[d.Subcommand()]
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return p.dispatch(cmd, d)
		},
	}
	d.RegisterArgs(sub)
	return sub
}

func setLogLevel(verbosity int) {
	switch {
	case verbosity >= 3:
		logrus.SetLevel(logrus.TraceLevel)
	case verbosity == 2:
		logrus.SetLevel(logrus.DebugLevel)
	case verbosity == 1:
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.WarnLevel)
	}
}
