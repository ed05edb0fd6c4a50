package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"certbot_deployer/internal/pkg/config"
	"certbot_deployer/pkg/bundle"
	"certbot_deployer/pkg/deployer"
	cdeerrors "certbot_deployer/pkg/errors"
)

// applyConfig turns the options of a configuration section into flag defaults,
// so that an explicit flag still wins. Options without a flag are kept for the
// deployer's Args.
func (p *pipeline) applyConfig(section string, flags *pflag.FlagSet) error {
	values := p.opts.config.Section(section)
	if len(values) == 0 {
		return nil
	}

	for option, value := range values {
		key := deployer.NormalizeKey(option)
		p.configured[section] = append(p.configured[section], key)

		f := flags.Lookup(key)
		if f == nil {
			if p.extra[section] == nil {
				p.extra[section] = make(map[string]any)
			}
			p.extra[section][key] = value
			continue
		}
		if err := setDefault(f, value); err != nil {
			return cdeerrors.WrapWithContext(cdeerrors.ErrCodeConfiguration,
				fmt.Sprintf("invalid value for option %q in section %q of %s", option, section, p.opts.config.Path()),
				err, map[string]any{"section": section, "option": option, "path": p.opts.config.Path()})
		}
		logrus.WithFields(logrus.Fields{
			"section": section,
			"option":  key,
		}).Trace("flag default taken from configuration")
	}
	return nil
}

// setDefault changes the value a flag holds before parsing without marking it
// as changed. Slice values are replaced rather than appended to, so a slice
// given on the command line overrides the configured one.
func setDefault(f *pflag.Flag, value any) error {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		items, err := cast.ToStringSliceE(value)
		if err != nil {
			return err
		}
		if err := sv.Replace(items); err != nil {
			return err
		}
	} else {
		s, err := cast.ToStringE(value)
		if err != nil {
			return err
		}
		if err := f.Value.Set(s); err != nil {
			return err
		}
	}
	f.DefValue = f.Value.String()
	return nil
}

// dispatch runs the selected deployer: PostParse, lineage lookup, bundle
// parsing and finally the entrypoint.
func (p *pipeline) dispatch(cmd *cobra.Command, d deployer.Deployer) error {
	name := d.Subcommand()

	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodeUsage, "unable to read flags", err)
	}
	for _, section := range []string{config.MainSection, name} {
		for key, value := range p.extra[section] {
			v.SetDefault(key, value)
		}
	}

	configured := append(append([]string{}, p.configured[config.MainSection]...), p.configured[name]...)
	args := deployer.NewArgs(v, configured, cmd.OutOrStdout(), cmd.ErrOrStderr())
	args.Subcommand = name
	args.Verbosity = v.GetInt("verbose")
	args.RenewedLineage = v.GetString("renewed-lineage")

	setLogLevel(args.Verbosity)
	logrus.WithFields(logrus.Fields{
		"subcommand": name,
		"config":     p.opts.config.Path(),
		"options":    v.AllSettings(),
	}).Debug("arguments parsed")

	if err := d.PostParse(args); err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodePlugin, fmt.Sprintf("%s: invalid arguments", name), err)
	}

	if args.RenewedLineage == "" {
		return cdeerrors.New(cdeerrors.ErrCodeEnvironment,
			"`"+EnvRenewedLineage+"` not found in environment. Is this tool not being run by Certbot?")
	}

	b, err := bundle.New(args.RenewedLineage)
	if err != nil {
		return err
	}
	logrus.WithField("bundle", b.String()).Info("certificate bundle loaded")

	if err := d.Entrypoint(cmd.Context(), args, b); err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodePlugin, fmt.Sprintf("%s deployer failed", name), err)
	}
	return nil
}
