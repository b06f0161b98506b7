// Package builder implements C5: running a plan's lifecycle pipeline
// (fetch, verify, extract, then the user-defined stages) to produce one or
// more staged package directories, with build-key-addressed caching of
// completed builds.
package builder

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/wrightpm/wright/internal/archive"
	"github.com/wrightpm/wright/internal/fhs"
	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/sandbox"
	"github.com/wrightpm/wright/internal/wconfig"
	"github.com/wrightpm/wright/internal/wright"
)

// Result is a completed build's output: the main package's staged
// directory plus one entry per split sub-package.
type Result struct {
	PkgDir       string
	SrcDir       string
	LogDir       string
	BuildDir     string
	SplitPkgDirs map[string]string
}

// Builder drives the lifecycle pipeline for plans under one configuration.
type Builder struct {
	Config    wconfig.Config
	Executors *ExecutorRegistry
}

// New constructs a Builder, loading any executor overrides found under
// Config.General.ExecutorsDir. A load failure is logged, not fatal: the
// build proceeds with the built-in shell executor.
func New(cfg wconfig.Config) *Builder {
	registry := NewExecutorRegistry()
	if err := registry.LoadDir(cfg.General.ExecutorsDir); err != nil {
		log.Printf("failed to load executors from %s: %v", cfg.General.ExecutorsDir, err)
	}
	return &Builder{Config: cfg, Executors: registry}
}

// BuildKey computes the content-addressed fingerprint used both for the
// on-disk build cache key and (via internal/archive.Fingerprint, the same
// function the archive layer uses) for change detection between runs.
func (b *Builder) BuildKey(p *plan.Plan) string {
	return archive.Fingerprint(p, b.Config.Build.CFLAGS, b.Config.Build.CXXFLAGS)
}

func (b *Builder) buildRoot(p *plan.Plan) (string, error) {
	buildDir := b.Config.Build.BuildDir
	if !filepath.IsAbs(buildDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", &wright.BuildError{Plan: p.Metadata.Name, Msg: "failed to get cwd: " + err.Error()}
		}
		buildDir = filepath.Join(cwd, buildDir)
	}
	return filepath.Join(buildDir, fmt.Sprintf("%s-%s", p.Metadata.Name, p.Metadata.Version)), nil
}

func ensureCleanDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("failed to clean directory %s: %v", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &wright.BuildError{Msg: fmt.Sprintf("failed to create build directory %s: %v", dir, err)}
	}
	return nil
}

// Options controls one Build invocation's partial-run behavior.
type Options struct {
	StopAfter string
	OnlyStage string
	ExtraEnv  map[string]string
	// ForceRebuild skips the cache-hit shortcut even on a full run. The
	// build command sets this for a plan that depends on its own
	// "<name>:bootstrap" task, so the full build that follows an MVP pass
	// always actually runs.
	ForceRebuild bool
}

// Build runs the full pipeline for p, rooted at holdDir (the directory
// plan.toml was loaded from, used to resolve local source paths). A cache
// hit short-circuits everything except split-directory re-detection.
// Bootstrap builds (ExtraEnv carrying WRIGHT_BOOTSTRAP_BUILD) are
// intentionally incomplete and neither read from nor write to the cache.
func (b *Builder) Build(ctx context.Context, p *plan.Plan, holdDir string, opts Options) (*Result, error) {
	root, err := b.buildRoot(p)
	if err != nil {
		return nil, err
	}
	srcDir := filepath.Join(root, "src")
	pkgDir := filepath.Join(root, "pkg")
	logDir := filepath.Join(root, "log")
	filesDir := filepath.Join(root, "files")

	singleStage := opts.OnlyStage != ""
	isBootstrap := opts.ExtraEnv["WRIGHT_BOOTSTRAP_BUILD"] != ""

	buildKey := b.BuildKey(p)
	cacheDir := filepath.Join(b.Config.General.CacheDir, "builds")
	cacheFile := filepath.Join(cacheDir, fmt.Sprintf("%s-%s.tar.zst", p.Metadata.Name, buildKey))

	if !isBootstrap && !singleStage && opts.StopAfter == "" && !opts.ForceRebuild {
		if _, err := os.Stat(cacheFile); err == nil {
			return b.restoreFromCache(p, root, srcDir, pkgDir, logDir, cacheFile)
		}
	}

	if singleStage {
		if _, err := os.Stat(srcDir); err != nil {
			return nil, &wright.BuildError{Plan: p.Metadata.Name, Msg: "cannot use --only: no previous build found, run a full build first"}
		}
		for _, dir := range []string{pkgDir, logDir} {
			if err := ensureCleanDir(dir); err != nil {
				return nil, err
			}
		}
		log.Printf("running only stage: %s", opts.OnlyStage)
	} else {
		for _, dir := range []string{srcDir, pkgDir, logDir} {
			if err := ensureCleanDir(dir); err != nil {
				return nil, err
			}
		}
	}
	log.Printf("build directory: %s", root)

	if !singleStage {
		if err := b.Fetch(p, holdDir); err != nil {
			return nil, err
		}
		if err := b.Verify(p); err != nil {
			return nil, err
		}
		if _, err := b.Extract(p, srcDir, filesDir); err != nil {
			return nil, err
		}
	}

	buildSrcDir, err := detectBuildDir(srcDir)
	if err != nil {
		return nil, err
	}

	var effectiveFilesDir string
	if _, err := os.Stat(filesDir); err == nil {
		effectiveFilesDir = filesDir
	}

	rlimits := sandbox.ResourceLimits{
		MemoryMB:    firstNonzero(p.Options.MemoryLimit, b.Config.Build.MemoryLimit),
		CPUTimeSecs: firstNonzero(p.Options.CPUTimeLimit, b.Config.Build.CPUTimeLimit),
		TimeoutSecs: firstNonzero(p.Options.TimeoutSecond, b.Config.Build.Timeout),
	}

	nproc := b.Config.EffectiveJobs(p.Options.Jobs)

	vars := StandardVariables(VariableContext{
		PkgName:    p.Metadata.Name,
		PkgVersion: p.Metadata.Version,
		PkgRelease: p.Metadata.Release,
		PkgArch:    p.Metadata.Arch,
		SrcDir:     srcDir,
		PkgDir:     pkgDir,
		FilesDir:   effectiveFilesDir,
		NProc:      nproc,
		CFLAGS:     b.Config.Build.CFLAGS,
		CXXFLAGS:   b.Config.Build.CXXFLAGS,
	})
	vars["BUILD_DIR"] = buildSrcDir
	for k, v := range opts.ExtraEnv {
		vars[k] = v
	}
	varsForSplits := make(map[string]string, len(vars))
	for k, v := range vars {
		varsForSplits[k] = v
	}

	pipeline := NewLifecyclePipeline(LifecycleContext{
		Plan:       p,
		Vars:       vars,
		WorkingDir: srcDir,
		LogDir:     logDir,
		SrcDir:     srcDir,
		PkgDir:     pkgDir,
		FilesDir:   effectiveFilesDir,
		StopAfter:  opts.StopAfter,
		OnlyStage:  opts.OnlyStage,
		Executors:  b.Executors,
		RLimits:    rlimits,
	})
	if err := pipeline.Run(ctx); err != nil {
		return nil, err
	}

	splitPkgDirs, err := b.buildSplits(ctx, p, root, srcDir, pkgDir, logDir, effectiveFilesDir, varsForSplits, rlimits)
	if err != nil {
		return nil, err
	}

	if !isBootstrap {
		if err := fhs.Validate(pkgDir, p.Metadata.Name); err != nil {
			return nil, err
		}
		for split, dir := range splitPkgDirs {
			if err := fhs.Validate(dir, split); err != nil {
				return nil, err
			}
		}
	}

	if !isBootstrap && !singleStage && opts.StopAfter == "" {
		b.saveToCache(p, root, cacheDir, cacheFile)
	}

	return &Result{PkgDir: pkgDir, SrcDir: srcDir, LogDir: logDir, BuildDir: root, SplitPkgDirs: splitPkgDirs}, nil
}

func firstNonzero(a, b uint64) uint64 {
	if a != 0 {
		return a
	}
	return b
}

func (b *Builder) restoreFromCache(p *plan.Plan, root, srcDir, pkgDir, logDir, cacheFile string) (*Result, error) {
	log.Printf("cache hit for %s: using pre-built artifacts", p.Metadata.Name)
	for _, dir := range []string{srcDir, pkgDir, logDir} {
		if err := ensureCleanDir(dir); err != nil {
			return nil, err
		}
	}
	if err := extractArchive(cacheFile, root); err != nil {
		return nil, err
	}
	splitPkgDirs := map[string]string{}
	for name := range p.Split {
		dir := filepath.Join(root, "pkg-"+name)
		if _, err := os.Stat(dir); err == nil {
			splitPkgDirs[name] = dir
		}
	}
	return &Result{PkgDir: pkgDir, SrcDir: srcDir, LogDir: logDir, BuildDir: root, SplitPkgDirs: splitPkgDirs}, nil
}

func (b *Builder) buildSplits(
	ctx context.Context, p *plan.Plan, root, srcDir, pkgDir, logDir, filesDir string,
	varsForSplits map[string]string, rlimits sandbox.ResourceLimits,
) (map[string]string, error) {
	splitPkgDirs := map[string]string{}
	names := make([]string, 0, len(p.Split))
	for name := range p.Split {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		split := p.Split[name]
		splitPkgDir := filepath.Join(root, "pkg-"+name)
		if err := os.MkdirAll(splitPkgDir, 0755); err != nil {
			return nil, &wright.BuildError{Plan: p.Metadata.Name, Msg: fmt.Sprintf("failed to create split package directory %s: %v", splitPkgDir, err)}
		}

		packageStage, ok := split.Lifecycle["package"]
		if !ok {
			return nil, &wright.ValidationError{Msg: fmt.Sprintf("split package %q: lifecycle.package stage is required", name)}
		}

		splitVars := make(map[string]string, len(varsForSplits)+3)
		for k, v := range varsForSplits {
			splitVars[k] = v
		}
		splitVars["PKG_DIR"] = splitPkgDir
		splitVars["PKG_NAME"] = name
		splitVars["MAIN_PKG_DIR"] = pkgDir

		log.Printf("running package stage for split: %s", name)

		executorName := packageStage.Executor
		if executorName == "" {
			executorName = "shell"
		}
		ex, ok := b.Executors.Get(executorName)
		if !ok {
			return nil, &wright.BuildError{Plan: p.Metadata.Name, Stage: "package", Msg: "executor not found: " + executorName}
		}

		opts := ExecutorOptions{
			Level:      sandbox.ParseLevel(packageStage.Sandbox),
			SrcDir:     srcDir,
			PkgDir:     splitPkgDir,
			FilesDir:   filesDir,
			MainPkgDir: pkgDir,
			RLimits:    rlimits,
		}
		result, err := ExecuteScript(ctx, ex, packageStage.Script, srcDir, packageStage.Env, splitVars, opts)
		if err != nil {
			return nil, &wright.BuildError{Plan: p.Metadata.Name, Stage: "package:" + name, Msg: err.Error()}
		}

		logPath := filepath.Join(logDir, "package-"+name+".log")
		content := fmt.Sprintf(
			"=== Split package: %s ===\n=== Exit code: %d ===\n\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
			name, result.ExitCode, result.Stdout, result.Stderr,
		)
		if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
			log.Printf("failed to write build log %s: %v", logPath, err)
		}

		if result.ExitCode != 0 {
			return nil, &wright.BuildError{
				Plan: p.Metadata.Name, Stage: "package:" + name,
				Msg: fmt.Sprintf("exit code %d\nstderr: %s", result.ExitCode, result.Stderr),
			}
		}
		splitPkgDirs[name] = splitPkgDir
	}
	return splitPkgDirs, nil
}

// saveToCache archives pkg/, log/, and any pkg-*/ split directories (never
// src/, to keep the cache compact) into cacheFile. Failures are logged, not
// fatal — a build without a usable cache entry still succeeded.
func (b *Builder) saveToCache(p *plan.Plan, root, cacheDir, cacheFile string) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		log.Printf("failed to create build cache directory %s: %v", cacheDir, err)
		return
	}
	tmpCacheDir, err := os.MkdirTemp("", "wright-cache-*")
	if err != nil {
		log.Printf("failed to create temp cache staging dir: %v", err)
		return
	}
	defer os.RemoveAll(tmpCacheDir)

	entries, err := os.ReadDir(root)
	if err != nil {
		log.Printf("failed to read build root %s: %v", root, err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !(name == "pkg" || name == "log" || strings.HasPrefix(name, "pkg-")) {
			continue
		}
		if !e.IsDir() {
			continue
		}
		dest := filepath.Join(tmpCacheDir, name)
		cmd := exec.Command("cp", "-a", filepath.Join(root, name), dest)
		if err := cmd.Run(); err != nil {
			log.Printf("failed to copy %s to build cache: %v", name, err)
		}
	}

	if err := createTarZst(tmpCacheDir, cacheFile); err != nil {
		log.Printf("failed to create build cache for %s: %v", p.Metadata.Name, err)
		return
	}
	log.Printf("saved build cache for %s at %s", p.Metadata.Name, cacheFile)
}

// Clean removes a plan's entire build directory.
func (b *Builder) Clean(p *plan.Plan) error {
	root, err := b.buildRoot(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(root); err != nil {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return &wright.BuildError{Plan: p.Metadata.Name, Msg: fmt.Sprintf("failed to clean build directory %s: %v", root, err)}
	}
	return nil
}

// Fetch downloads remote sources and copies local sources into the shared
// source cache, keyed by package name to avoid collisions between similarly
// named upstream tarballs.
func (b *Builder) Fetch(p *plan.Plan, holdDir string) error {
	cacheDir := filepath.Join(b.Config.General.CacheDir, "sources")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return wright.Wrap(err, "create source cache dir")
	}

	for i, uri := range p.Sources.URIs {
		processed := processURI(uri, p)

		if isGitURI(processed) {
			gitCacheDir := filepath.Join(cacheDir, "git")
			os.MkdirAll(gitCacheDir, 0755)
			dest := filepath.Join(gitCacheDir, gitDirName(processed))
			commit, err := fetchGitRepo(processed, dest)
			if err != nil {
				return &wright.BuildError{Plan: p.Metadata.Name, Msg: "fetch git source: " + err.Error()}
			}
			log.Printf("fetched git commit %s for %s", commit, gitDirName(processed))
			continue
		}

		if isRemoteURI(processed) {
			filename := sourceCacheFilename(p.Metadata.Name, processed)
			dest := filepath.Join(cacheDir, filename)

			var expectedHash string
			if i < len(p.Sources.SHA256) {
				expectedHash = p.Sources.SHA256[i]
			}
			skipVerify := expectedHash == "SKIP"

			needsDownload := true
			if _, err := os.Stat(dest); err == nil {
				switch {
				case skipVerify:
					needsDownload = false
				case expectedHash != "":
					if actual, err := sha256File(dest); err == nil && actual == expectedHash {
						needsDownload = false
					} else {
						os.Remove(dest)
					}
				default:
					needsDownload = false
				}
			}

			if needsDownload {
				log.Printf("fetching %s to %s", processed, dest)
				if err := downloadFile(processed, dest, b.Config.Network.DownloadTimeout); err != nil {
					return &wright.BuildError{Plan: p.Metadata.Name, Msg: "download " + processed + ": " + err.Error()}
				}
				if !skipVerify && expectedHash != "" {
					actual, err := sha256File(dest)
					if err != nil {
						return err
					}
					if actual != expectedHash {
						return &wright.ValidationError{Msg: fmt.Sprintf("downloaded file %s failed verification: expected %s, got %s", filename, expectedHash, actual)}
					}
				}
			}
		} else {
			localPath, err := validateLocalPath(holdDir, processed)
			if err != nil {
				return err
			}
			filename := sourceCacheFilename(p.Metadata.Name, processed)
			dest := filepath.Join(cacheDir, filename)
			if _, err := os.Stat(dest); err != nil {
				if err := copySourceFile(localPath, dest); err != nil {
					return &wright.BuildError{Plan: p.Metadata.Name, Msg: fmt.Sprintf("copy local file %s to cache: %v", localPath, err)}
				}
			}
		}
	}
	return nil
}

// Verify checks every downloaded source's SHA-256 hash against the plan's
// declared value; sources hashed as "SKIP" are not checked.
func (b *Builder) Verify(p *plan.Plan) error {
	cacheDir := filepath.Join(b.Config.General.CacheDir, "sources")

	for i, uri := range p.Sources.URIs {
		if isGitURI(processURI(uri, p)) {
			continue // git sources are pinned by ref, not a hash file
		}
		if i >= len(p.Sources.SHA256) {
			return &wright.ValidationError{Msg: fmt.Sprintf("no sha256 hash provided for source %d", i)}
		}
		expected := p.Sources.SHA256[i]
		if expected == "SKIP" {
			continue
		}

		processed := processURI(uri, p)
		filename := sourceCacheFilename(p.Metadata.Name, processed)
		path := filepath.Join(cacheDir, filename)
		if _, err := os.Stat(path); err != nil {
			return &wright.ValidationError{Msg: "source file missing: " + filename}
		}
		actual, err := sha256File(path)
		if err != nil {
			return err
		}
		if actual != expected {
			return &wright.ValidationError{Msg: fmt.Sprintf("sha256 mismatch for %s: expected %s, got %s", filename, expected, actual)}
		}
	}
	return nil
}

// Extract unpacks every archive source into destDir and copies non-archive
// sources into filesDir, returning the detected BUILD_DIR.
func (b *Builder) Extract(p *plan.Plan, destDir, filesDir string) (string, error) {
	cacheDir := filepath.Join(b.Config.General.CacheDir, "sources")

	for _, uri := range p.Sources.URIs {
		processed := processURI(uri, p)

		if isGitURI(processed) {
			gitCacheDir := filepath.Join(cacheDir, "git")
			dirName := gitDirName(processed)
			cachePath := filepath.Join(gitCacheDir, dirName)
			_, ref, _ := strings.Cut(strings.TrimPrefix(processed, "git+"), "#")
			if ref == "" {
				ref = "HEAD"
			}
			target := filepath.Join(destDir, dirName)
			if err := checkoutGitWorktree(cachePath, ref, target); err != nil {
				return "", &wright.BuildError{Plan: p.Metadata.Name, Msg: err.Error()}
			}
			continue
		}

		filename := sourceCacheFilename(p.Metadata.Name, processed)
		path := filepath.Join(cacheDir, filename)

		if isArchiveFilename(filename) {
			log.Printf("extracting %s", filename)
			if err := extractArchive(path, destDir); err != nil {
				return "", err
			}
		} else {
			if err := os.MkdirAll(filesDir, 0755); err != nil {
				return "", &wright.BuildError{Plan: p.Metadata.Name, Msg: "create files directory: " + err.Error()}
			}
			dest := filepath.Join(filesDir, filename)
			if err := copySourceFile(path, dest); err != nil {
				return "", &wright.BuildError{Plan: p.Metadata.Name, Msg: fmt.Sprintf("copy %s to %s: %v", path, dest, err)}
			}
			log.Printf("copied %s to files directory", filename)
		}
	}

	return detectBuildDir(destDir)
}

func copySourceFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

var sha256FieldRe = regexp.MustCompile(`(?m)^sha256\s*=\s*\[[\s\S]*?\]`)
var urisFieldRe = regexp.MustCompile(`(?m)^uris\s*=\s*\[[\s\S]*?\]`)

// UpdateHashes recomputes sha256 hashes for every http(s) source (local
// paths and git+ sources get "SKIP") and rewrites them into manifestPath's sha256 array
// in-place with a regex substitution, so the rest of the file's formatting
// and comments survive untouched.
func (b *Builder) UpdateHashes(p *plan.Plan, manifestPath string) error {
	cacheDir := filepath.Join(b.Config.General.CacheDir, "sources")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return wright.Wrap(err, "create source cache dir")
	}

	var newHashes []string
	for _, uri := range p.Sources.URIs {
		processed := processURI(uri, p)
		if !isRemoteURI(processed) {
			newHashes = append(newHashes, "SKIP")
			continue
		}
		if isGitURI(processed) {
			newHashes = append(newHashes, "SKIP")
			continue
		}

		filename := sourceCacheFilename(p.Metadata.Name, processed)
		cachePath := filepath.Join(cacheDir, filename)

		if _, err := os.Stat(cachePath); err == nil {
			log.Printf("using cached source: %s", filename)
		} else {
			log.Printf("downloading %s", processed)
			if err := downloadFile(processed, cachePath, b.Config.Network.DownloadTimeout); err != nil {
				return &wright.BuildError{Plan: p.Metadata.Name, Msg: "download " + processed + ": " + err.Error()}
			}
		}

		hash, err := sha256File(cachePath)
		if err != nil {
			return err
		}
		log.Printf("computed hash: %s", hash)
		newHashes = append(newHashes, hash)
	}

	if len(newHashes) == 0 {
		log.Printf("no sources to update")
		return nil
	}

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return wright.Wrap(err, "read "+manifestPath)
	}

	quoted := make([]string, len(newHashes))
	for i, h := range newHashes {
		quoted[i] = fmt.Sprintf("    %q", h)
	}
	replacement := "sha256 = [\n" + strings.Join(quoted, ",\n") + ",\n]"

	var newContent string
	if sha256FieldRe.Match(content) {
		newContent = sha256FieldRe.ReplaceAllString(string(content), replacement)
	} else if loc := urisFieldRe.FindIndex(content); loc != nil {
		newContent = string(content[:loc[1]]) + "\n" + replacement + string(content[loc[1]:])
	} else {
		return &wright.BuildError{Plan: p.Metadata.Name, Msg: "could not find uris or sha256 field in plan.toml"}
	}

	return os.WriteFile(manifestPath, []byte(newContent), 0644)
}
