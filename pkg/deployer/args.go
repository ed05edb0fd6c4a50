package deployer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	cdeerrors "certbot_deployer/pkg/errors"
)

// Args is the parsed command line of one invocation, merged with the
// configuration file. Option names are flag names; "output_path" and
// "output-path" address the same option.
type Args struct {
	Subcommand     string
	Verbosity      int
	RenewedLineage string

	v          *viper.Viper
	configured map[string]bool
	out        io.Writer
	err        io.Writer
}

// NewArgs wraps a viper instance holding the merged settings. configured lists
// the options whose value came from the configuration file.
func NewArgs(v *viper.Viper, configured []string, out, errOut io.Writer) *Args {
	if v == nil {
		v = viper.New()
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	a := &Args{
		v:          v,
		configured: make(map[string]bool, len(configured)),
		out:        out,
		err:        errOut,
	}
	for _, key := range configured {
		a.configured[NormalizeKey(key)] = true
	}
	return a
}

// NormalizeKey maps a configuration option or flag name to its canonical form.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "_", "-")
}

func (a *Args) GetString(key string) string        { return a.v.GetString(NormalizeKey(key)) }
func (a *Args) GetBool(key string) bool            { return a.v.GetBool(NormalizeKey(key)) }
func (a *Args) GetInt(key string) int              { return a.v.GetInt(NormalizeKey(key)) }
func (a *Args) GetStringSlice(key string) []string { return a.v.GetStringSlice(NormalizeKey(key)) }
func (a *Args) Get(key string) any                 { return a.v.Get(NormalizeKey(key)) }

// IsSet reports whether key was given on the command line, in the
// configuration file, or through Set.
func (a *Args) IsSet(key string) bool {
	key = NormalizeKey(key)
	return a.configured[key] || a.v.IsSet(key)
}

// Set overrides key for the rest of the invocation.
func (a *Args) Set(key string, value any) {
	a.v.Set(NormalizeKey(key), value)
}

// Out is where deployers write their regular output.
func (a *Args) Out() io.Writer { return a.out }

// Err is where deployers write diagnostics.
func (a *Args) Err() io.Writer { return a.err }

// Keys lists every known option.
func (a *Args) Keys() []string { return a.v.AllKeys() }

// Decode copies the options into out, a pointer to a struct tagged with
// `mapstructure:"flag-name"`, and checks its `validate` tags. Because it sees
// values from both sources, a `validate:"required"` option may be supplied on
// the command line or in the configuration file.
func (a *Args) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("invalid decode target: %w", err)
	}

	settings := make(map[string]any)
	for _, key := range a.v.AllKeys() {
		settings[key] = a.v.Get(key)
	}
	if err := decoder.Decode(settings); err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodeConfiguration, "invalid option value", err)
	}

	if err := validate.Struct(out); err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodeConfiguration, "invalid options", describe(err))
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report options by flag name, not by Go field name.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("--%s is required (on the command line or in the configuration file)", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("--%s must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value()))
		default:
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("--%s failed %s=%s validation", fe.Field(), fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("--%s failed %s validation", fe.Field(), fe.Tag()))
			}
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
