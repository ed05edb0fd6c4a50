package deployer

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"

	cdeerrors "certbot_deployer/pkg/errors"
)

// ReservedSubcommand is the configuration section that holds top-level
// options, so no plugin may use it as a subcommand.
const ReservedSubcommand = "main"

// Plugins register themselves via init() functions. Conflicts are not
// rejected here: Index reports them when the command line is built.
var (
	registered []Deployer
	mu         sync.RWMutex
)

// Register adds d to the set of discoverable deployers.
func Register(d Deployer) error {
	if d == nil {
		return cdeerrors.New(cdeerrors.ErrCodeRegistration, "cannot register a nil deployer")
	}

	mu.Lock()
	defer mu.Unlock()

	registered = append(registered, d)
	return nil
}

// MustRegister is Register for init functions: it panics on error.
func MustRegister(d Deployer) {
	if err := Register(d); err != nil {
		panic(err)
	}
}

// Registered returns every registered deployer in registration order.
func Registered() []Deployer {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]Deployer, len(registered))
	copy(out, registered)
	return out
}

// Index maps deployers by subcommand. Finding none is not an error; two
// deployers claiming one subcommand, an empty subcommand and the reserved
// "main" section name are registration errors.
func Index(deployers []Deployer) (map[string]Deployer, error) {
	index := make(map[string]Deployer, len(deployers))
	for _, d := range deployers {
		if d == nil {
			return nil, cdeerrors.New(cdeerrors.ErrCodeRegistration, "nil deployer in plugin list")
		}

		name := d.Subcommand()
		switch name {
		case "":
			return nil, cdeerrors.NewWithContext(cdeerrors.ErrCodeRegistration,
				fmt.Sprintf("deployer %T has an empty subcommand", d),
				map[string]any{"deployer": fmt.Sprintf("%T", d)})
		case ReservedSubcommand:
			return nil, cdeerrors.NewWithContext(cdeerrors.ErrCodeRegistration,
				fmt.Sprintf("deployer %T uses the reserved subcommand %q", d, name),
				map[string]any{"deployer": fmt.Sprintf("%T", d), "subcommand": name})
		}

		if existing, ok := index[name]; ok {
			return nil, cdeerrors.NewWithContext(cdeerrors.ErrCodeRegistration,
				fmt.Sprintf("conflicting subcommand %q registered by %T and %T", name, existing, d),
				map[string]any{"subcommand": name})
		}
		index[name] = d
	}
	return index, nil
}

// Subcommands returns the sorted subcommand names of index.
func Subcommands(index map[string]Deployer) []string {
	names := lo.Keys(index)
	slices.Sort(names)
	return names
}
