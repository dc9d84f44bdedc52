package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/franksops/filehub/adapter"
	"github.com/franksops/filehub/flow"
)

type endpointDoc struct {
	Location  string `yaml:"location"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Directory string `yaml:"directory"`
}

type senderDoc struct {
	endpointDoc `yaml:",inline"`
	Pattern     string `yaml:"pattern"`
	Exclusion   string `yaml:"exclusion,omitempty"`
	PostProcess string `yaml:"postProcess"`
	Concurrency int    `yaml:"concurrency"`
}

type receiverDoc struct {
	endpointDoc `yaml:",inline"`
	Filename    string `yaml:"filename"`
	TempWrites  bool   `yaml:"tempWrites"`
	Exists      string `yaml:"exists"`
	Concurrency int    `yaml:"concurrency"`
}

type flowDoc struct {
	Name     string       `yaml:"name"`
	Sender   senderDoc    `yaml:"sender"`
	Receiver *receiverDoc `yaml:"receiver,omitempty"`
}

func describeEndpoint(ec adapter.EndpointConfig, dir string) endpointDoc {
	d := endpointDoc{Location: string(ec.Location), Directory: dir}
	switch {
	case ec.Location == adapter.Local:
	case ec.Protocol == adapter.ProtocolS3:
		d.Endpoint = "s3://" + ec.Bucket + "/" + ec.Prefix
	default:
		d.Endpoint = "sftp://" + ec.SFTP.Key()
	}
	return d
}

func describe(f *flow.Flow) flowDoc {
	sc := f.Sender.Config()
	doc := flowDoc{
		Name: f.Name,
		Sender: senderDoc{
			endpointDoc: describeEndpoint(sc.Endpoint, sc.SourceDirectory),
			Pattern:     sc.FilePattern,
			Exclusion:   sc.ExclusionMask,
			PostProcess: string(sc.PostProcess.Action),
			Concurrency: sc.MaximumConcurrency,
		},
	}
	if f.Receiver != nil {
		rc := f.Receiver.Config()
		filename := string(rc.FilenameMode)
		if rc.FilenamePattern != "" {
			filename += " " + rc.FilenamePattern
		}
		doc.Receiver = &receiverDoc{
			endpointDoc: describeEndpoint(rc.Endpoint, rc.TargetDirectory),
			Filename:    filename,
			TempWrites:  rc.TempWrites(),
			Exists:      string(rc.Exists),
			Concurrency: rc.MaximumConcurrency,
		}
	}
	return doc
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check flow definitions without running them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateFlows(v.GetString("config"), v.GetBool("print"), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("print", false, "print the parsed flows as YAML")
	return cmd
}

// validateFlows builds every flow in path and reports each one. All broken
// flows are returned together.
func validateFlows(path string, printFlows bool, w io.Writer) error {
	defs, err := flow.LoadDefinitions(path)
	if err != nil {
		return err
	}

	var (
		errs []error
		docs []flowDoc
	)
	for _, d := range defs {
		f, err := flow.Build(d)
		if err != nil {
			fmt.Fprintf(w, "%s %s\n", color.RedString("invalid"), d.Name)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "%s %s\n", color.GreenString("ok"), d.Name)
		docs = append(docs, describe(f))
	}

	if printFlows && len(docs) > 0 {
		out, err := yaml.Marshal(map[string]any{"flows": docs})
		if err != nil {
			return errors.Errorf("encoding flows: %w", err)
		}
		fmt.Fprint(w, string(out))
	}
	return errors.Join(errs...)
}
