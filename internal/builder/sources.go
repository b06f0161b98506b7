package builder

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/wright"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeCacheFilename strips anything that isn't a safe path component, so
// a crafted source URI can't smuggle a ".." or "/" into the cache directory.
func sanitizeCacheFilename(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

func isRemoteURI(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "git+")
}

func isGitURI(uri string) bool { return strings.HasPrefix(uri, "git+") }

func isArchiveFilename(name string) bool {
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar.xz", ".tar.bz2", ".tar.zst"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// sourceCacheFilename mirrors the original tool's collision-avoidance
// scheme: prefix the upstream basename with the owning package's name so
// two packages fetching similarly-named GitHub archive tarballs don't clash
// in the shared source cache.
func sourceCacheFilename(pkgName, uri string) string {
	parts := strings.Split(uri, "/")
	basename := parts[len(parts)-1]
	if basename == "" {
		basename = "source"
	}
	return sanitizeCacheFilename(pkgName + "-" + basename)
}

// processURI substitutes ${PKG_NAME}/${PKG_VERSION}/${PKG_RELEASE}/${PKG_ARCH}
// references in a source URI, so a plan can point at a version-templated
// upstream release URL instead of hardcoding the version twice.
func processURI(uri string, p *plan.Plan) string {
	vars := map[string]string{
		"PKG_NAME":    p.Metadata.Name,
		"PKG_VERSION": p.Metadata.Version,
		"PKG_RELEASE": fmt.Sprintf("%d", p.Metadata.Release),
		"PKG_ARCH":    p.Metadata.Arch,
	}
	return Substitute(uri, vars)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func downloadFile(uri, dest string, timeoutSecs uint64) error {
	if timeoutSecs == 0 {
		timeoutSecs = 300
	}
	// Disable transparent compression the way the teacher's downloader
	// does: some servers mislabel a plain tarball as gzip-encoded, and
	// transport-level decompression would silently hand back the wrong
	// bytes for hash verification.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	client := &http.Client{Transport: transport, Timeout: time.Duration(timeoutSecs) * time.Second}

	resp, err := client.Get(uri)
	if err != nil {
		return wright.Wrap(err, "fetch "+uri)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &wright.BuildError{Msg: fmt.Sprintf("unexpected HTTP status %s for %s", resp.Status, uri)}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		return &wright.BuildError{Msg: fmt.Sprintf("%s returned an HTML response (Content-Type: %s) — this usually means a mirror redirect or error page instead of the actual file; check the URL", uri, ct)}
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return wright.Wrap(err, "create "+tmp)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return wright.Wrap(err, "write "+tmp)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// fetchGitRepo clones or fetches uri (a "git+<url>#<ref>" reference) into a
// bare mirror at dest, returning the resolved commit hash.
func fetchGitRepo(uri, dest string) (string, error) {
	body := strings.TrimPrefix(uri, "git+")
	gitURL, ref, _ := strings.Cut(body, "#")
	if ref == "" {
		ref = "HEAD"
	}
	if k, v, ok := strings.Cut(ref, "="); ok {
		ref = v
		_ = k
	}

	var repo *git.Repository
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		repo, err = git.PlainClone(dest, true, &git.CloneOptions{URL: gitURL, Tags: git.AllTags})
		if err != nil {
			return "", wright.Wrap(err, "clone "+gitURL)
		}
	} else {
		repo, err = git.PlainOpen(dest)
		if err != nil {
			return "", wright.Wrap(err, "open "+dest)
		}
		remote, err := repo.Remote("origin")
		if err == nil {
			_ = remote.Fetch(&git.FetchOptions{Tags: git.AllTags, Force: true})
		}
	}

	hash, err := resolveGitRef(repo, ref)
	if err != nil {
		return "", wright.Wrap(err, "resolve ref "+ref)
	}
	return hash.String(), nil
}

func resolveGitRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewTagReferenceName(ref),
		plumbing.NewRemoteReferenceName("origin", ref),
	}
	for _, name := range candidates {
		if r, err := repo.Reference(name, true); err == nil {
			return r.Hash(), nil
		}
	}
	if h, err := repo.ResolveRevision(plumbing.Revision(ref)); err == nil {
		return *h, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("unresolvable git ref %q", ref)
}

// checkoutGitWorktree materializes ref from the bare mirror at cachePath
// into targetDir as a plain working tree.
func checkoutGitWorktree(cachePath, ref, targetDir string) error {
	repo, err := git.PlainClone(targetDir, false, &git.CloneOptions{URL: cachePath})
	if err != nil {
		return wright.Wrap(err, "checkout from "+cachePath)
	}
	hash, err := resolveGitRef(repo, ref)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: hash})
}

func gitDirName(uri string) string {
	base, _, _ := strings.Cut(uri, "#")
	segs := strings.Split(base, "/")
	last := segs[len(segs)-1]
	last = strings.TrimSuffix(last, ".git")
	return sanitizeCacheFilename(last)
}

// extractArchive unpacks a .tar.{gz,xz,bz2,zst} file into destDir, stripping
// nothing — callers that want GNU tar's --strip-components=1 behavior use
// detectBuildDir afterward instead, since a pure Go reader doesn't know the
// common top-level prefix until it has seen every header.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return wright.Wrap(err, "open "+archivePath)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return wright.Wrap(err, "gzip "+archivePath)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(archivePath, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return wright.Wrap(err, "xz "+archivePath)
		}
		r = xr
	case strings.HasSuffix(archivePath, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(archivePath, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return wright.Wrap(err, "zstd "+archivePath)
		}
		defer zr.Close()
		r = zr
	default:
		return &wright.ValidationError{Msg: "unsupported archive format: " + archivePath}
	}

	return untar(r, destDir)
}

func untar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return wright.Wrap(err, "read tar entry")
		}
		if strings.Contains(hdr.Name, "..") {
			return &wright.ValidationError{Msg: "archive contains unsafe path: " + hdr.Name}
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.MkdirAll(filepath.Dir(target), 0755)
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// detectBuildDir implements the "single-subdirectory passthrough" rule: if
// an extracted source tree contains exactly one non-dotfile entry and it's
// a directory, BUILD_DIR points inside it (the common "tarball contains one
// top-level dir" layout); otherwise BUILD_DIR is the tree root itself.
func detectBuildDir(srcDir string) (string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", wright.Wrap(err, "read "+srcDir)
	}
	var visible []os.DirEntry
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			visible = append(visible, e)
		}
	}
	if len(visible) == 1 && visible[0].IsDir() {
		return filepath.Join(srcDir, visible[0].Name()), nil
	}
	return srcDir, nil
}

// createTarZst packs every file under srcDir into a zstd-compressed tar at
// destPath, preserving symlinks. Used for the build cache archive, which
// unlike the package archive format has no embedded metadata files.
func createTarZst(srcDir, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return wright.Wrap(err, "create "+destPath)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return wright.Wrap(err, "init zstd writer")
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.Mode()&os.ModeSymlink != 0 {
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
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			if _, err := io.Copy(tw, in); err != nil {
				return err
			}
		}
		return nil
	})
}

func validateLocalPath(holdDir, relativePath string) (string, error) {
	resolved, err := filepath.Abs(filepath.Join(holdDir, relativePath))
	if err != nil {
		return "", &wright.ValidationError{Msg: "local path not found: " + relativePath}
	}
	holdAbs, err := filepath.Abs(holdDir)
	if err != nil {
		return "", &wright.ValidationError{Msg: "failed to resolve plan directory " + holdDir}
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", &wright.ValidationError{Msg: "local path not found: " + relativePath}
	}
	if !strings.HasPrefix(resolved, holdAbs+string(filepath.Separator)) && resolved != holdAbs {
		return "", &wright.ValidationError{Msg: "local path escapes plan directory: " + relativePath}
	}
	return resolved, nil
}
