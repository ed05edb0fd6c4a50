// Package config finds and reads the certbot_deployer JSON configuration file.
//
// The file maps a section name to option defaults:
//
//	{
//	    "main": {"verbose": 1},
//	    "inspect": {"format": "json", "require_domain": ["example.com"]}
//	}
//
// "main" holds top-level options; every other section is named after the
// subcommand it configures.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jmoiron/jsonq"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	cdeerrors "certbot_deployer/pkg/errors"
)

const (
	// Filename is the configuration file name looked up in each candidate directory.
	Filename = "certbot_deployer.conf"
	// MainSection holds options for the top-level command.
	MainSection = "main"
	// EnvConfig names an explicit configuration file, bypassing discovery.
	EnvConfig = "CERTBOT_DEPLOYER_CONFIG"
)

// Document is a loaded configuration file. The zero value is an empty
// configuration.
type Document struct {
	path  string
	data  map[string]any
	query *jsonq.JsonQuery
}

// CandidatePaths returns the discovery locations in priority order.
func CandidatePaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "certbot_deployer", Filename))
	}
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", "certbot_deployer", Filename))
	}
	paths = append(paths, filepath.Join(string(filepath.Separator), "etc", "certbot_deployer", Filename))
	return paths
}

// Load reads the file named by $CERTBOT_DEPLOYER_CONFIG if set, otherwise the
// first candidate path that exists.
func Load() (*Document, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return ReadFile(path)
	}
	return Read(CandidatePaths()...)
}

// Read loads the first of paths that is a regular file. When none is, the
// configuration is empty.
func Read(paths ...string) (*Document, error) {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			logrus.WithField("path", path).Trace("configuration candidate not usable")
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		return ReadFile(path)
	}

	logrus.Debug("no configuration file found")
	return &Document{}, nil
}

// ReadFile loads path, which must exist.
func ReadFile(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, cdeerrors.WrapWithContext(cdeerrors.ErrCodeConfiguration,
			fmt.Sprintf("unable to read configuration file %s", path), err, map[string]any{"path": path})
	}
	if info.IsDir() {
		return nil, cdeerrors.NewWithContext(cdeerrors.ErrCodeConfiguration,
			fmt.Sprintf("configuration path %s is a directory", path), map[string]any{"path": path})
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, cdeerrors.WrapWithContext(cdeerrors.ErrCodeConfiguration,
			fmt.Sprintf("unable to parse configuration file %s", path), err, map[string]any{"path": path})
	}

	data := v.AllSettings()
	logrus.WithFields(logrus.Fields{
		"path":     path,
		"sections": len(data),
	}).Debug("configuration loaded")

	return &Document{
		path:  path,
		data:  data,
		query: jsonq.NewQuery(data),
	}, nil
}

// Path is the file the document was read from, or "" when no file was found.
func (d *Document) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Section returns the options of the named section. A missing section, or one
// that is not an object, yields an empty map.
func (d *Document) Section(name string) map[string]any {
	if d == nil || d.query == nil {
		return map[string]any{}
	}
	obj, err := d.query.Object(strings.ToLower(name))
	if err != nil {
		return map[string]any{}
	}
	return maps.Clone(obj)
}

// Sections lists the sections holding options, sorted.
func (d *Document) Sections() []string {
	if d == nil {
		return nil
	}
	names := lo.Keys(lo.PickBy(d.data, func(_ string, v any) bool {
		_, ok := v.(map[string]any)
		return ok
	}))
	slices.Sort(names)
	return names
}
