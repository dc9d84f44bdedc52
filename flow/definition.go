package flow

import (
	"os"
	"strings"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/franksops/filehub/adapter"
)

// StageDefinition configures one adapter. Config holds the flat adapter keys
// exactly as written in the flow file.
type StageDefinition struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// Definition describes a flow. Without a receiver the sender runs standalone.
type Definition struct {
	Name     string           `yaml:"name"`
	Sender   StageDefinition  `yaml:"sender"`
	Receiver *StageDefinition `yaml:"receiver,omitempty"`
}

type file struct {
	Flows []Definition `yaml:"flows"`
}

// LoadDefinitions reads flow definitions from a YAML file. Adapter keys are
// case sensitive, so the file is decoded directly rather than through viper.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading flow file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes flow definitions and checks that names are present
// and unique.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Errorf("decoding flow file: %w", err)
	}
	if len(f.Flows) == 0 {
		return nil, errors.New("flow file defines no flows")
	}

	seen := make(map[string]bool, len(f.Flows))
	var errs []error
	for i, d := range f.Flows {
		name := strings.TrimSpace(d.Name)
		switch {
		case name == "":
			errs = append(errs, errors.Errorf("flow %d: name is required", i+1))
		case seen[name]:
			errs = append(errs, errors.Errorf("flow %q defined twice", name))
		}
		seen[name] = true
		f.Flows[i].Name = name
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f.Flows, nil
}

// Select returns the definition called name.
func Select(defs []Definition, name string) (Definition, error) {
	for _, d := range defs {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, errors.Errorf("no flow named %q", name)
}

// Build parses the adapter configurations of d. opts are applied to both
// adapters.
func Build(d Definition, opts ...adapter.Option) (*Flow, error) {
	opts = append([]adapter.Option{adapter.WithFlow(d.Name)}, opts...)

	var errs []error
	sc, err := adapter.ParseSenderConfig(d.Sender.Type, d.Sender.Config)
	if err != nil {
		errs = append(errs, errors.Errorf("sender: %w", err))
	}

	var rc adapter.ReceiverConfig
	if d.Receiver != nil {
		rc, err = adapter.ParseReceiverConfig(d.Receiver.Type, d.Receiver.Config)
		if err != nil {
			errs = append(errs, errors.Errorf("receiver: %w", err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Errorf("flow %q: %w", d.Name, errors.Join(errs...))
	}

	f := &Flow{Name: d.Name, Sender: adapter.NewSender(sc, opts...)}
	if d.Receiver != nil {
		f.Receiver = adapter.NewReceiver(rc, opts...)
	}
	return f, nil
}
