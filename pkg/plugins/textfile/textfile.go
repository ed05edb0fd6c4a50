// Package textfile is a deployer that exports certificate expiry metrics in
// the Prometheus text format, for node_exporter's textfile collector.
package textfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"certbot_deployer/internal/pkg/buildinfo"
	"certbot_deployer/pkg/bundle"
	"certbot_deployer/pkg/deployer"
	cdeerrors "certbot_deployer/pkg/errors"
)

const (
	Subcommand = "textfile"
	namespace  = "certbot_deployer"
)

func init() {
	deployer.MustRegister(&Deployer{now: time.Now})
}

type options struct {
	Path string `mapstructure:"path" validate:"required,endswith=.prom"`
	Job  string `mapstructure:"job" validate:"required"`
}

type Deployer struct {
	now func() time.Time
}

func (d *Deployer) Subcommand() string { return Subcommand }
func (d *Deployer) Version() string    { return buildinfo.Version }

func (d *Deployer) RegisterArgs(cmd *cobra.Command) {
	cmd.Short = "Write certificate metrics for the node_exporter textfile collector"
	cmd.Flags().String("path", "", "metrics file to write, must end in .prom (required, may come from the configuration file)")
	cmd.Flags().String("job", namespace, "value of the job label")
}

// PostParse fails early when --path is given neither on the command line nor
// in the configuration file.
func (d *Deployer) PostParse(args *deployer.Args) error {
	var opts options
	return args.Decode(&opts)
}

func (d *Deployer) Entrypoint(_ context.Context, args *deployer.Args, b *bundle.Bundle) error {
	var opts options
	if err := args.Decode(&opts); err != nil {
		return err
	}

	now := time.Now
	if d.now != nil {
		now = d.now
	}

	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{
		"common_name": b.CommonName(),
		"job":         opts.Job,
	}
	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(value)
		registry.MustRegister(g)
	}

	gauge("certificate_not_after_seconds", "Expiry of the deployed certificate as a Unix timestamp.",
		float64(b.Cert.Metadata.NotAfter.Unix()))
	gauge("certificate_not_before_seconds", "Start of validity of the deployed certificate as a Unix timestamp.",
		float64(b.Cert.Metadata.NotBefore.Unix()))
	gauge("certificate_intermediates", "Number of intermediate certificates in chain.pem.",
		float64(len(b.Intermediates)))
	gauge("last_deploy_timestamp_seconds", "Time of the last successful deploy as a Unix timestamp.",
		float64(now().Unix()))

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodeFilesystem, fmt.Sprintf("failed to create directory for %s", opts.Path), err)
	}
	if err := prometheus.WriteToTextfile(opts.Path, registry); err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodeFilesystem, fmt.Sprintf("failed to write metrics to %s", opts.Path), err)
	}

	logrus.WithFields(logrus.Fields{
		"path":        opts.Path,
		"common_name": b.CommonName(),
	}).Info("certificate metrics written")
	return nil
}
