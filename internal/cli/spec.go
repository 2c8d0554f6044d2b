package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/StackStorm/rpmstage"
	"github.com/StackStorm/rpmstage/internal/config"
	"github.com/StackStorm/rpmstage/internal/fsutil"
	"github.com/StackStorm/rpmstage/internal/specfile"
	"github.com/StackStorm/rpmstage/internal/stage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewSpecCommand creates the "spec" command group.
func NewSpecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Copy, generate or inspect spec files",
	}
	cmd.AddCommand(newSpecCopyCommand())
	cmd.AddCommand(newSpecInitCommand())
	cmd.AddCommand(newSpecShowCommand())
	return cmd
}

func newSpecCopyCommand() *cobra.Command {
	flags := &configFlags{}
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy every component spec into the SPECS directory",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline(false)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(p.Config.SpecsDir, 0755); err != nil {
				return errors.Wrap(err, "create specs directory")
			}
			for _, comp := range p.Config.Components {
				a, err := p.CopySpec(cmd.Context(), comp)
				if err != nil {
					return &stage.StepError{Component: comp.Name, Step: stage.StepCopySpec, Err: err}
				}
				fmt.Fprintln(cmd.OutOrStdout(), a.Path)
			}
			return nil
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}

type specInitFlags struct {
	tmpl   specfile.Template
	output string
}

func newSpecInitCommand() *cobra.Command {
	flags := &specInitFlags{}
	cmd := &cobra.Command{
		Use:   "init NAME",
		Short: "Write a spec that installs the source tarball below a prefix",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := flags.tmpl
			t.Name = args[0]
			if flags.output == "" || flags.output == "-" {
				return specfile.Render(cmd.OutOrStdout(), t)
			}
			return fsutil.WriteAtomic(flags.output, 0644, func(w io.Writer) error {
				return specfile.Render(w, t)
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.tmpl.Version, "version", config.DefaultVersion, "package version")
	fs.StringVar(&flags.tmpl.Release, "release", config.DefaultRelease, "package release")
	fs.StringVar(&flags.tmpl.Summary, "summary", "", "one line summary (default NAME)")
	fs.StringVar(&flags.tmpl.Description, "description", "", "description (default the summary)")
	fs.StringVar(&flags.tmpl.License, "license", "", "license (default Apache-2.0)")
	fs.StringVar(&flags.tmpl.URL, "url", "", "project url")
	fs.StringVar(&flags.tmpl.Vendor, "vendor", "", "vendor")
	fs.StringVar(&flags.tmpl.Packager, "packager", "", "packager")
	fs.StringVar(&flags.tmpl.Arch, "arch", "", "build arch (default noarch)")
	fs.StringVar(&flags.tmpl.Source, "source", "", "source tarball (default NAME.tar.gz)")
	fs.StringArrayVar(&flags.tmpl.Requires, "requires", nil, "runtime dependency; repeatable")
	fs.StringVar(&flags.tmpl.InstallPrefix, "prefix", "", "install prefix (default /opt/stackstorm/NAME)")
	fs.StringVarP(&flags.output, "output", "o", "", "write the spec to `FILE` instead of stdout")
	return cmd
}

// specSummary is what "spec show" prints.
type specSummary struct {
	Name        string            `yaml:"name"`
	Epoch       *uint32           `yaml:"epoch,omitempty"`
	Version     string            `yaml:"version"`
	Release     string            `yaml:"release"`
	Arch        string            `yaml:"arch,omitempty"`
	Summary     string            `yaml:"summary,omitempty"`
	License     string            `yaml:"license,omitempty"`
	URL         string            `yaml:"url,omitempty"`
	Sources     []string          `yaml:"sources,omitempty"`
	Prefixes    []string          `yaml:"prefixes,omitempty"`
	Requires    []string          `yaml:"requires,omitempty"`
	Provides    []string          `yaml:"provides,omitempty"`
	Conflicts   []string          `yaml:"conflicts,omitempty"`
	Obsoletes   []string          `yaml:"obsoletes,omitempty"`
	Scriptlets  map[string]string `yaml:"scriptlets,omitempty"`
	Files       []string          `yaml:"files,omitempty"`
	PackageFile string            `yaml:"package_file"`
}

func summarize(s *specfile.Spec) (specSummary, error) {
	md, err := s.Metadata()
	if err != nil {
		return specSummary{}, err
	}
	out := specSummary{
		Name:      s.Name,
		Epoch:     s.Epoch,
		Version:   s.Version,
		Release:   s.Release,
		Arch:      s.BuildArch,
		Summary:   s.Summary,
		License:   s.License,
		URL:       s.URL,
		Sources:   s.Sources,
		Prefixes:  s.Prefixes,
		Requires:  s.Requires,
		Provides:  s.Provides,
		Conflicts: s.Conflicts,
		Obsoletes: s.Obsoletes,
	}
	pkg, err := rpmstage.NewPackage(md)
	if err != nil {
		return specSummary{}, err
	}
	out.PackageFile = pkg.FileName()
	if len(s.Scriptlets) > 0 {
		out.Scriptlets = make(map[string]string, len(s.Scriptlets))
		for name, sc := range s.Scriptlets {
			interp := sc.Interpreter
			if interp == "" {
				interp = rpmstage.DefaultScriptletInterpreter
			}
			out.Scriptlets[name] = interp
		}
	}
	for _, f := range s.Files {
		var attrs []string
		for _, a := range []struct {
			set  bool
			name string
		}{
			{f.Config, "config"}, {f.NoReplace, "noreplace"}, {f.Doc, "doc"}, {f.License, "license"},
			{f.Ghost, "ghost"}, {f.Dir, "dir"}, {f.Exclude, "exclude"},
		} {
			if a.set {
				attrs = append(attrs, a.name)
			}
		}
		entry := f.Path
		if len(attrs) > 0 {
			entry += " (" + strings.Join(attrs, ",") + ")"
		}
		out.Files = append(out.Files, entry)
	}
	return out, nil
}

type specShowFlags struct {
	defines map[string]string
}

func newSpecShowCommand() *cobra.Command {
	flags := &specShowFlags{}
	cmd := &cobra.Command{
		Use:   "show FILE",
		Short: "Parse a spec and print what it would package",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open spec")
			}
			defer f.Close()
			s, err := (&specfile.Parser{Defines: flags.defines}).Parse(f)
			if err != nil {
				return errors.Wrapf(err, "parse %s", args[0])
			}
			sum, err := summarize(s)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(sum); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringToStringVarP(&flags.defines, "define", "D", nil, "define a macro as NAME=VALUE; repeatable")
	return cmd
}
