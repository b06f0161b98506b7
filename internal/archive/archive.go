// Package archive implements the binary archive format: a zstd-compressed
// tar of a package's staged tree plus three embedded metadata files.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/zstd"

	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/wright"
)

// PkgInfo mirrors the .PKGINFO metadata block embedded in every archive.
type PkgInfo struct {
	Package struct {
		Name        string
		Version     string
		Release     uint32
		Description string
		License     string
		Arch        string
		InstallSize int64 `toml:"install_size"`
	}
	Dependencies struct {
		Runtime []string
	}
	Backup struct {
		Files []string
	}
}

// Create packs pkgDir into an archive at destPath, embedding .PKGINFO,
// .FILELIST, and (if the plan declares any) .INSTALL.
func Create(p *plan.Plan, pkgDir, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return wright.Wrap(err, "create archive "+destPath)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return wright.Wrap(err, "init zstd writer")
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	var fileList []string
	var installSize int64

	err = filepath.WalkDir(pkgDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(pkgDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Linkname = target
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			fileList = append(fileList, "/"+hdr.Name)
			installSize += info.Size()
			data, err := os.Open(path)
			if err != nil {
				return err
			}
			defer data.Close()
			if _, err := io.Copy(tw, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wright.Wrap(err, "walk package directory")
	}
	sort.Strings(fileList)

	pkginfo := PkgInfo{}
	pkginfo.Package.Name = p.Metadata.Name
	pkginfo.Package.Version = p.Metadata.Version
	pkginfo.Package.Release = p.Metadata.Release
	pkginfo.Package.Description = p.Metadata.Description
	pkginfo.Package.License = p.Metadata.License
	pkginfo.Package.Arch = p.Metadata.Arch
	pkginfo.Package.InstallSize = installSize
	pkginfo.Dependencies.Runtime = p.Dependencies.Runtime
	if p.Backup != nil {
		pkginfo.Backup.Files = p.Backup.Files
	}

	var pkginfoBuf bytes.Buffer
	if err := toml.NewEncoder(&pkginfoBuf).Encode(pkginfo); err != nil {
		return wright.Wrap(err, "encode .PKGINFO")
	}
	if err := writeMetaFile(tw, ".PKGINFO", pkginfoBuf.Bytes()); err != nil {
		return err
	}
	if err := writeMetaFile(tw, ".FILELIST", []byte(strings.Join(fileList, "\n")+"\n")); err != nil {
		return err
	}
	if p.Install != nil {
		var installBuf bytes.Buffer
		fmt.Fprintf(&installBuf, "[post_install]\n%s\n\n[post_upgrade]\n%s\n\n[pre_remove]\n%s\n",
			p.Install.PostInstall, p.Install.PostUpgrade, p.Install.PreRemove)
		if err := writeMetaFile(tw, ".INSTALL", installBuf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func writeMetaFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// Entry describes one extracted file's identity for install-time processing.
type Entry struct {
	Path     string // absolute, e.g. /usr/bin/hello
	Hash     string // sha256 hex, regular files only
	Mode     fs.FileMode
	Size     int64
	IsDir    bool
	IsSymlink bool
	LinkTarget string
}

// Extract unpacks an archive into destDir and returns the parsed .PKGINFO
// plus the file entries it contains (excluding the three metadata files
// themselves). Extraction stops with a ValidationError at the first tar
// entry whose name starts with "/" or contains ".."; entries that came
// before it in the archive have already been written to destDir.
func Extract(archivePath, destDir string) (*PkgInfo, []Entry, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, wright.Wrap(err, "open archive "+archivePath)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, wright.Wrap(err, "init zstd reader")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var info PkgInfo
	var entries []Entry
	sawPkgInfo := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, wright.Wrap(err, "read archive entry")
		}
		if strings.HasPrefix(hdr.Name, "/") || strings.Contains(hdr.Name, "..") {
			return nil, nil, &wright.ValidationError{Msg: "archive contains unsafe path: " + hdr.Name}
		}

		switch hdr.Name {
		case ".PKGINFO":
			buf, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, err
			}
			if _, err := toml.Decode(string(buf), &info); err != nil {
				return nil, nil, &wright.ParseError{Path: ".PKGINFO", Err: err}
			}
			sawPkgInfo = true
			continue
		case ".FILELIST", ".INSTALL":
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return nil, nil, err
			}
			continue
		}

		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, nil, err
			}
			entries = append(entries, Entry{Path: "/" + hdr.Name, IsDir: true, Mode: fs.FileMode(hdr.Mode)})
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, nil, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, nil, err
			}
			entries = append(entries, Entry{Path: "/" + hdr.Name, IsSymlink: true, LinkTarget: hdr.Linkname})
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, nil, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode))
			if err != nil {
				return nil, nil, err
			}
			h := sha256.New()
			if _, err := io.Copy(io.MultiWriter(out, h), tr); err != nil {
				out.Close()
				return nil, nil, err
			}
			out.Close()
			entries = append(entries, Entry{
				Path: "/" + hdr.Name,
				Hash: hex.EncodeToString(h.Sum(nil)),
				Mode: fs.FileMode(hdr.Mode),
				Size: hdr.Size,
			})
		}
	}
	if !sawPkgInfo {
		return nil, nil, &wright.ValidationError{Msg: "archive missing .PKGINFO"}
	}
	return &info, entries, nil
}
