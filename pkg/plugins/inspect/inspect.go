// Package inspect is a deployer that reports on the renewed certificate instead
// of installing it anywhere. It is useful as a first deploy hook and as a check
// that a lineage covers the names a service expects.
package inspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"certbot_deployer/internal/pkg/buildinfo"
	"certbot_deployer/internal/pkg/storage"
	"certbot_deployer/pkg/bundle"
	"certbot_deployer/pkg/deployer"
	cdeerrors "certbot_deployer/pkg/errors"
	"certbot_deployer/pkg/models"
)

const Subcommand = "inspect"

func init() {
	deployer.MustRegister(&Deployer{now: time.Now})
}

type options struct {
	Format         string   `mapstructure:"format" validate:"oneof=table json yaml"`
	OutputPath     string   `mapstructure:"output-path"`
	LogPath        string   `mapstructure:"log-path"`
	RequireDomains []string `mapstructure:"require-domain" validate:"dive,required"`
}

type Deployer struct {
	now func() time.Time
}

func (d *Deployer) Subcommand() string { return Subcommand }
func (d *Deployer) Version() string    { return buildinfo.Version }

func (d *Deployer) RegisterArgs(cmd *cobra.Command) {
	cmd.Short = "Print a summary of the renewed certificate"
	cmd.Long = `Print a summary of the renewed certificate lineage.

The summary is written to stdout, or to a timestamped file when --output-path
names a directory. With --require-domain the deploy fails unless the
certificate covers every listed name.`

	cmd.Flags().String("format", storage.FormatTable, "output format ("+strings.Join(storage.Formats, ", ")+")")
	cmd.Flags().String("output-path", "", "directory for summary files (default: stdout)")
	cmd.Flags().String("log-path", "", "append a JSON line per deploy to this file")
	cmd.Flags().StringSlice("require-domain", nil, "fail unless the certificate covers this name (repeatable)")
}

func (d *Deployer) PostParse(args *deployer.Args) error {
	args.Set("format", strings.ToLower(strings.TrimSpace(args.GetString("format"))))

	var opts options
	return args.Decode(&opts)
}

func (d *Deployer) Entrypoint(_ context.Context, args *deployer.Args, b *bundle.Bundle) error {
	var opts options
	if err := args.Decode(&opts); err != nil {
		return err
	}

	missing := lo.Reject(opts.RequireDomains, func(domain string, _ int) bool {
		return b.CoversDomain(domain)
	})
	if len(missing) > 0 {
		return cdeerrors.NewWithContext(cdeerrors.ErrCodePlugin,
			fmt.Sprintf("certificate %s does not cover %s", b.CommonName(), strings.Join(missing, ", ")),
			map[string]any{"names": b.Names(), "missing": missing})
	}

	now := time.Now
	if d.now != nil {
		now = d.now
	}
	summary, err := models.NewBundleSummary(b, now())
	if err != nil {
		return err
	}

	path, err := storage.NewFileHandler(opts.OutputPath, opts.Format, args.Out()).Handle(summary)
	if err != nil {
		return err
	}
	if path != "" {
		fmt.Fprintln(args.Err(), path)
	}

	if opts.LogPath != "" {
		history, err := storage.NewLogHandler(opts.LogPath)
		if err != nil {
			return err
		}
		defer history.Close()
		if err := history.Handle(summary); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"common_name": summary.CommonName,
		"expires":     summary.Expires,
		"format":      opts.Format,
	}).Info("certificate inspected")
	return nil
}
