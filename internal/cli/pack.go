// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/StackStorm/rpmstage"
	"github.com/StackStorm/rpmstage/internal/fsutil"
	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// DashStdinStdout is the pseudo-filename for stdin/stdout.
const DashStdinStdout = "-"

type packFlags struct {
	name, version, release string
	epoch                  uint64
	arch, osName           string
	prefixes               []string
	buildTime              int64
	compressor             string

	summary, description, vendor, packager, group, url, licence string

	provides, obsoletes, suggests, recommends, requires, conflicts rpmstage.Relations

	scriptlets  map[string]*string
	interpreter string

	files            bool
	root             string
	stripComponents  int
	owner, fileGroup string
	fileMode         string
	dirMode          string
	mtime            int64

	useDirAllowlist  bool
	dirAllowlistFile string

	output string
}

var packScriptlets = []string{"pretrans", "prein", "postin", "preun", "postun", "posttrans", "verifyscript"}

// NewPackCommand creates the "pack" command, which turns a tarball, a
// directory or a list of files into an rpm without a spec.
func NewPackCommand() *cobra.Command {
	flags := &packFlags{scriptlets: map[string]*string{}}
	cmd := &cobra.Command{
		Use:   "pack --name NAME --version VERSION [TARFILE|DIR|FILE...]",
		Short: "Pack a tarball, a directory or files into an rpm",
		Long: `Read tar content from stdin, or TARFILE if present, and write an rpm to
stdout, or to the file given by --file. A directory argument is packed
with every file below it. With --files every argument is packed as a
file. If a filename is '-' stdin/stdout is used without printing a notice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(cmd, flags, args)
		},
	}
	bindPackFlags(cmd.Flags(), flags)
	return cmd
}

func bindPackFlags(fs *pflag.FlagSet, f *packFlags) {
	fs.StringVar(&f.name, "name", "", "the package name")
	fs.StringVar(&f.version, "version", "", "the package version")
	fs.StringVar(&f.release, "release", "", "the rpm release")
	fs.Uint64Var(&f.epoch, "epoch", 0, "the rpm epoch")
	fs.StringVar(&f.arch, "arch", "noarch", "the rpm architecture")
	fs.StringVar(&f.osName, "os", "linux", "the rpm os")
	fs.StringSliceVar(&f.prefixes, "prefixes", nil, "comma separated prefixes for relocatable packages")
	fs.Int64Var(&f.buildTime, "build-time", 0, "the build time unix timestamp")
	fs.StringVar(&f.compressor, "compressor", "gzip", "the rpm compressor, with an optional :level")
	fs.StringVar(&f.summary, "summary", "", "the rpm summary")
	fs.StringVar(&f.description, "description", "", "the rpm description")
	fs.StringVar(&f.vendor, "vendor", "", "the rpm vendor")
	fs.StringVar(&f.packager, "packager", "", "the rpm packager")
	fs.StringVar(&f.group, "group", "", "the rpm group")
	fs.StringVar(&f.url, "url", "", "the rpm url")
	fs.StringVar(&f.licence, "licence", "", "the rpm licence name")

	relHelp := " values, can be just name or in the form of name=version (eg. bla=1.2.3)"
	fs.Var(&f.provides, "provides", "rpm provides"+relHelp)
	fs.Var(&f.obsoletes, "obsoletes", "rpm obsoletes"+relHelp)
	fs.Var(&f.suggests, "suggests", "rpm suggests"+relHelp)
	fs.Var(&f.recommends, "recommends", "rpm recommends"+relHelp)
	fs.Var(&f.requires, "requires", "rpm requires"+relHelp)
	fs.Var(&f.conflicts, "conflicts", "rpm conflicts"+relHelp)

	for _, name := range packScriptlets {
		f.scriptlets[name] = fs.String(name, "", name+" scriptlet contents (not filename)")
	}
	fs.StringVar(&f.interpreter, "interpreter", "", "interpreter for scriptlets (default "+rpmstage.DefaultScriptletInterpreter+")")

	fs.BoolVar(&f.files, "files", false, "pack the arguments as individual files")
	fs.StringVar(&f.root, "root", "", "prepend `DIR` to every packaged path")
	fs.IntVar(&f.stripComponents, "strip-components", 0, "drop `N` leading path elements from tar entries")
	fs.StringVar(&f.owner, "owner", "", "use `NAME` as owner")
	fs.StringVar(&f.fileGroup, "file-group", "", "use `NAME` as group")
	fs.StringVar(&f.fileMode, "file-mode", "", "octal mode of files read from disk")
	fs.StringVar(&f.dirMode, "dir-mode", "", "octal mode of directories read from disk")
	fs.Int64Var(&f.mtime, "mtime", 0, "change timestamp of files read from disk")

	fs.BoolVar(&f.useDirAllowlist, "use-dir-allowlist", false, "only include dirs in the explicit allow list")
	fs.StringVar(&f.dirAllowlistFile, "dir-allowlist-file", "", "a file with one directory per line to include in the rpm")

	fs.StringVarP(&f.output, "file", "f", "", "write rpm to `RPMFILE` instead of stdout")
}

func (f *packFlags) metadata() (rpmstage.Metadata, error) {
	if f.name == "" || f.version == "" {
		return rpmstage.Metadata{}, usageErrorf("name and version are required")
	}
	if f.epoch > math.MaxUint32 {
		return rpmstage.Metadata{}, usageErrorf("epoch has to be less than %d", uint64(math.MaxUint32))
	}
	var buildTime time.Time
	if f.buildTime != 0 {
		buildTime = time.Unix(f.buildTime, 0)
	}
	return rpmstage.Metadata{
		Name:        f.name,
		Version:     f.version,
		Release:     f.release,
		Epoch:       uint32(f.epoch),
		BuildTime:   buildTime,
		Prefixes:    f.prefixes,
		Arch:        f.arch,
		OS:          f.osName,
		Vendor:      f.vendor,
		Packager:    f.packager,
		Group:       f.group,
		URL:         f.url,
		Licence:     f.licence,
		Description: f.description,
		Summary:     f.summary,
		Compressor:  f.compressor,
		Provides:    f.provides,
		Obsoletes:   f.obsoletes,
		Suggests:    f.suggests,
		Recommends:  f.recommends,
		Requires:    f.requires,
		Conflicts:   f.conflicts,
	}, nil
}

func parseMode(flag, s string) (uint, error) {
	if s == "" {
		return 0, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, usageErrorf("failed to parse --%s %s as octal", flag, s)
	}
	return uint(m), nil
}

func (f *packFlags) opts() (rpmstage.Opts, error) {
	fileMode, err := parseMode("file-mode", f.fileMode)
	if err != nil {
		return rpmstage.Opts{}, err
	}
	dirMode, err := parseMode("dir-mode", f.dirMode)
	if err != nil {
		return rpmstage.Opts{}, err
	}
	return rpmstage.Opts{
		Owner:    f.owner,
		Group:    f.fileGroup,
		FileMode: fileMode,
		DirMode:  dirMode,
		MTime:    uint32(f.mtime),
		Root:     f.root,
	}, nil
}

func runPack(cmd *cobra.Command, f *packFlags, args []string) error {
	log := logging.FromContext(cmd.Context())
	md, err := f.metadata()
	if err != nil {
		return err
	}

	var pkg *rpmstage.Package
	var notice []string
	switch {
	case f.files:
		if len(args) == 0 {
			return usageErrorf("--files needs at least one file")
		}
		opts, err := f.opts()
		if err != nil {
			return err
		}
		pkg, err = rpmstage.FromFiles(args, md, opts)
		if err != nil {
			return err
		}
	case len(args) > 1:
		return usageErrorf("expecting 0 or 1 positional arguments without --files")
	case len(args) == 1 && args[0] != DashStdinStdout && isDir(args[0]):
		opts, err := f.opts()
		if err != nil {
			return err
		}
		pkg, err = rpmstage.FromDir(args[0], md, opts)
		if err != nil {
			return err
		}
	default:
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 0 {
			// Only print the notice if no explicit '-' is given.
			notice = append(notice, "reading tar content from stdin")
		} else if args[0] != DashStdinStdout {
			file, err := os.Open(args[0])
			if err != nil {
				return errors.Wrapf(err, "failed to open file %s for reading", args[0])
			}
			defer file.Close()
			in = file
		}
		pkg, err = rpmstage.FromTar(in, md, rpmstage.TarOptions{
			StripComponents: f.stripComponents,
			Root:            f.root,
			Owner:           f.owner,
			Group:           f.fileGroup,
		})
		if err != nil {
			return err
		}
	}

	if f.useDirAllowlist {
		al, err := readAllowlist(f.dirAllowlistFile)
		if err != nil {
			return err
		}
		pkg.AllowListDirs(al)
	}
	for _, name := range packScriptlets {
		if s := *f.scriptlets[name]; s != "" {
			if err := pkg.AddScriptlet(name, s); err != nil {
				return err
			}
		}
	}
	pkg.SetDefaultScriptletInterpreter(f.interpreter)

	if f.output == "" {
		notice = append(notice, "writing rpm to stdout")
	}
	if len(notice) > 0 {
		log.Info().Msg(strings.Join(notice, ", "))
	}
	if f.output == "" || f.output == DashStdinStdout {
		return errors.Wrap(pkg.Write(cmd.OutOrStdout()), "rpm write error")
	}
	return fsutil.WriteAtomic(f.output, 0644, func(w io.Writer) error {
		return errors.Wrap(pkg.Write(w), "rpm write error")
	})
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func readAllowlist(p string) (map[string]bool, error) {
	al := map[string]bool{}
	if p == "" {
		return al, nil
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dir allowlist %q for reading", p)
	}
	defer f.Close()
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if t := strings.TrimSpace(scan.Text()); t != "" {
			al[t] = true
		}
	}
	return al, errors.Wrap(scan.Err(), "read dir allowlist")
}
