package rpmstage

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	cpio "github.com/cavaliercoder/go-cpio"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

func TestFileOwner(t *testing.T) {
	p := newTestPackage(t)
	group := "testGroup"
	user := "testUser"

	p.AddFile(File{
		Name:  "/usr/local/hello",
		Body:  []byte("content of the file"),
		Group: group,
		Owner: user,
	})
	p.AddFile(File{
		Name: "/usr/local/nobody",
		Body: []byte("content"),
	})

	if err := p.Write(io.Discard); err != nil {
		t.Errorf("Write returned error %v", err)
	}
	if d := cmp.Diff([]string{user, "root"}, p.fileowners); d != "" {
		t.Errorf("file owners differ (want->got):\n%v", d)
	}
	if d := cmp.Diff([]string{group, "root"}, p.filegroups); d != "" {
		t.Errorf("file groups differ (want->got):\n%v", d)
	}
}

// A plain 0100644 file must keep its mode and get no link target.
func Test100644(t *testing.T) {
	p := newTestPackage(t)
	p.AddFile(File{
		Name: "/usr/local/hello",
		Body: []byte("content of the file"),
		Mode: 0100644,
	})

	if err := p.Write(io.Discard); err != nil {
		t.Errorf("Write returned error %v", err)
	}
	if p.filemodes[0] != 0100644 {
		t.Errorf("file mode want 0100644, got %o", p.filemodes[0])
	}
	if p.filelinktos[0] != "" {
		t.Errorf("linktos want empty (not a symlink), got %q", p.filelinktos[0])
	}
}

func TestWriteAfterClose(t *testing.T) {
	p := newTestPackage(t)
	if err := p.Write(io.Discard); err != nil {
		t.Fatalf("first Write returned error %v", err)
	}
	if err := p.Write(io.Discard); errors.Cause(err) != ErrWriteAfterClose {
		t.Errorf("second Write returned %v, want %v", err, ErrWriteAfterClose)
	}
}

func TestRootDirIgnored(t *testing.T) {
	p := newTestPackage(t)
	p.AddFile(File{Name: "/", Mode: 040755})
	if got := p.Files(); len(got) != 0 {
		t.Errorf("Files() = %v, want none", got)
	}
}

func TestFullVersionAndFileName(t *testing.T) {
	testCases := []struct {
		name         string
		md           Metadata
		wantVersion  string
		wantFileName string
	}{{
		name:         "version only",
		md:           Metadata{Name: "st2common", Version: "0.4.0"},
		wantVersion:  "0.4.0",
		wantFileName: "st2common-0.4.0.noarch.rpm",
	}, {
		name:         "release and arch",
		md:           Metadata{Name: "st2common", Version: "0.4.0", Release: "1", Arch: "x86_64"},
		wantVersion:  "0.4.0-1",
		wantFileName: "st2common-0.4.0-1.x86_64.rpm",
	}, {
		name:         "epoch",
		md:           Metadata{Name: "st2common", Version: "0.4.0", Release: "2", Epoch: 3},
		wantVersion:  "3:0.4.0-2",
		wantFileName: "st2common-0.4.0-2.noarch.rpm",
	}}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewPackage(tc.md)
			if err != nil {
				t.Fatalf("NewPackage returned error %v", err)
			}
			if got := p.FullVersion(); got != tc.wantVersion {
				t.Errorf("FullVersion() = %q, want %q", got, tc.wantVersion)
			}
			if got := p.FileName(); got != tc.wantFileName {
				t.Errorf("FileName() = %q, want %q", got, tc.wantFileName)
			}
		})
	}
}

func TestAllowListDirs(t *testing.T) {
	p := newTestPackage(t)
	p.AddFile(File{Name: "/usr", Mode: 040755})
	p.AddFile(File{Name: "/opt/stackstorm", Mode: 040755})
	p.AddFile(File{Name: "/opt/stackstorm/link", Mode: 0120777, Body: []byte("target")})
	p.AddFile(File{Name: "/opt/stackstorm/file", Body: []byte("x")})

	p.AllowListDirs(map[string]bool{"/opt/stackstorm": true})

	want := []string{"/opt/stackstorm", "/opt/stackstorm/file", "/opt/stackstorm/link"}
	if d := cmp.Diff(want, p.Files()); d != "" {
		t.Errorf("AllowListDirs files differ (want->got):\n%v", d)
	}
}

func TestGhostFileNotInPayload(t *testing.T) {
	p := newTestPackage(t)
	p.AddFile(File{Name: "/var/log/st2/st2.log", Mode: 0644, Type: GhostFile})
	p.AddFile(File{Name: "/etc/st2/st2.conf", Body: []byte("[api]\n"), Mode: 0644, Type: ConfigFile | NoReplaceFile})

	b := &bytes.Buffer{}
	if err := p.Write(b); err != nil {
		t.Fatalf("Write returned error %v", err)
	}
	names := payloadNames(t, b.Bytes(), gzipReader)
	if d := cmp.Diff([]string{"/etc/st2/st2.conf"}, names); d != "" {
		t.Errorf("payload names differ (want->got):\n%v", d)
	}
	if d := cmp.Diff([]uint32{uint32(ConfigFile | NoReplaceFile), uint32(GhostFile)}, p.fileflags); d != "" {
		t.Errorf("file flags differ (want->got):\n%v", d)
	}
}

func TestPayloadCompressors(t *testing.T) {
	testCases := []struct {
		compressor string
		open       func(*testing.T, io.Reader) io.Reader
		wantFlags  string
	}{
		{"gzip", gzipReader, "9"},
		{"gzip:1", gzipReader, "1"},
		{"xz", xzReader, "2"},
		{"zstd", zstdReader, "3"},
		{"zstd:19", zstdReader, "19"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.compressor, func(t *testing.T) {
			p, err := NewPackage(Metadata{Name: "sample", Version: "1", Compressor: tc.compressor})
			if err != nil {
				t.Fatalf("NewPackage returned error %v", err)
			}
			p.AddFile(File{Name: "/opt/sample/a.txt", Body: []byte("aaa"), Mode: 0644})
			p.AddFile(File{Name: "/opt/sample", Mode: 040755})
			b := &bytes.Buffer{}
			if err := p.Write(b); err != nil {
				t.Fatalf("Write returned error %v", err)
			}
			names := payloadNames(t, b.Bytes(), tc.open)
			if d := cmp.Diff([]string{"/opt/sample", "/opt/sample/a.txt"}, names); d != "" {
				t.Errorf("payload names differ (want->got):\n%v", d)
			}
			flags := p.headerIndex.entries[tagPayloadFlags].data
			if got := string(flags[:len(flags)-1]); got != tc.wantFlags {
				t.Errorf("payload flags = %q, want %q", got, tc.wantFlags)
			}
		})
	}
}

func TestUnknownCompressor(t *testing.T) {
	if _, err := NewPackage(Metadata{Compressor: "bzip2"}); errors.Cause(err) != ErrUnknownCompressor {
		t.Errorf("NewPackage returned %v, want %v", err, ErrUnknownCompressor)
	}
	if _, err := NewPackage(Metadata{Compressor: "xz:high"}); err == nil {
		t.Errorf("NewPackage with a non numeric level should fail")
	}
}

func TestSigner(t *testing.T) {
	p, err := NewPackage(Metadata{Name: "signed", Version: "1", BuildTime: time.Unix(1500000000, 0)})
	if err != nil {
		t.Fatalf("NewPackage returned error %v", err)
	}
	var calls int
	p.SetPGPSigner(func(b []byte) ([]byte, error) {
		calls++
		return []byte("this is not a signature"), nil
	})
	if err := p.Write(io.Discard); err != nil {
		t.Fatalf("Write returned error %v", err)
	}
	if calls != 2 {
		t.Errorf("signer called %d times, want 2", calls)
	}
	for _, tag := range []int{sigRSA, sigPGP} {
		if _, ok := p.sigIndex.entries[tag]; !ok {
			t.Errorf("signature tag %d missing", tag)
		}
	}
	if _, ok := p.headerIndex.entries[tagBuildTime]; !ok {
		t.Errorf("build time tag missing")
	}
}

func TestSelfProvide(t *testing.T) {
	p, err := NewPackage(Metadata{Name: "st2common", Version: "0.4.0", Release: "1"})
	if err != nil {
		t.Fatalf("NewPackage returned error %v", err)
	}
	if err := p.Write(io.Discard); err != nil {
		t.Fatalf("Write returned error %v", err)
	}
	want := entryStringArray([]string{"st2common"})
	if d := cmp.Diff(want.data, p.headerIndex.entries[tagProvides].data); d != "" {
		t.Errorf("provides differ (want->got):\n%v", d)
	}
}

func gzipReader(t *testing.T, r io.Reader) io.Reader {
	t.Helper()
	z, err := gzip.NewReader(r)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	return z
}

func xzReader(t *testing.T, r io.Reader) io.Reader {
	t.Helper()
	z, err := xz.NewReader(r)
	if err != nil {
		t.Fatalf("xz.NewReader: %v", err)
	}
	return z
}

func zstdReader(t *testing.T, r io.Reader) io.Reader {
	t.Helper()
	z, err := zstd.NewReader(r)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	t.Cleanup(z.Close)
	return z
}

// headerLen returns the length of the header structure at the start of b.
func headerLen(t *testing.T, b []byte) int {
	t.Helper()
	if !bytes.HasPrefix(b, []byte{0x8e, 0xad, 0xe8, 0x01}) {
		t.Fatalf("missing header magic")
	}
	count := int(binary.BigEndian.Uint32(b[8:]))
	size := int(binary.BigEndian.Uint32(b[12:]))
	return 16 + 16*count + size
}

// payloadNames splits an rpm into its parts and lists the cpio payload.
func payloadNames(t *testing.T, rpm []byte, open func(*testing.T, io.Reader) io.Reader) []string {
	t.Helper()
	if !bytes.HasPrefix(rpm, []byte{0xed, 0xab, 0xee, 0xdb}) {
		t.Fatalf("missing lead magic")
	}
	rest := rpm[96:]
	sigLen := headerLen(t, rest)
	rest = rest[sigLen+(8-sigLen%8)%8:]
	rest = rest[headerLen(t, rest):]

	var names []string
	r := cpio.NewReader(open(t, bytes.NewReader(rest)))
	for {
		h, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading cpio payload: %v", err)
		}
		names = append(names, h.Name)
	}
	return names
}
