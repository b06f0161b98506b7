package builder

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/sandbox"
	"github.com/wrightpm/wright/internal/wright"
)

// LifecycleContext carries everything a pipeline run needs beyond the plan
// itself: resolved variables, working directories, and the execution knobs
// threaded down from the Builder.
type LifecycleContext struct {
	Plan       *plan.Plan
	Vars       map[string]string
	WorkingDir string
	LogDir     string
	SrcDir     string
	PkgDir     string
	FilesDir   string // empty if the plan has no files/ directory
	StopAfter  string
	OnlyStage  string
	Executors  *ExecutorRegistry
	RLimits    sandbox.ResourceLimits
}

// LifecyclePipeline runs a plan's user-defined stages (fetch/verify/extract
// are built-in and handled by the Builder directly, never as scripts) in
// order, with optional pre_/post_ hooks around each.
type LifecyclePipeline struct {
	ctx LifecycleContext
}

// NewLifecyclePipeline constructs a pipeline for one build.
func NewLifecyclePipeline(ctx LifecycleContext) *LifecyclePipeline {
	return &LifecyclePipeline{ctx: ctx}
}

// Run executes every stage in order, stopping early if ctx.StopAfter names
// a stage, or running only ctx.OnlyStage when set.
func (lp *LifecyclePipeline) Run(ctx context.Context) error {
	stages := lp.stageOrder()

	if lp.ctx.OnlyStage != "" {
		return lp.runStageWithHooks(ctx, lp.ctx.OnlyStage)
	}

	for _, name := range stages {
		if plan.IsBuiltinStage(name) {
			log.Printf("built-in stage %s is handled by the build driver", name)
			continue
		}
		if err := lp.runStageWithHooks(ctx, name); err != nil {
			return err
		}
		if lp.ctx.StopAfter == name {
			log.Printf("stopping after stage %s", name)
			break
		}
	}
	return nil
}

func (lp *LifecyclePipeline) stageOrder() []string {
	return lp.ctx.Plan.StageOrder()
}

func (lp *LifecyclePipeline) runStageWithHooks(ctx context.Context, name string) error {
	if stage, ok := lp.ctx.Plan.Lifecycle["pre_"+name]; ok {
		log.Printf("running hook pre_%s", name)
		if err := lp.runStage(ctx, "pre_"+name, stage); err != nil {
			return err
		}
	}

	if stage, ok := lp.ctx.Plan.Lifecycle[name]; ok {
		log.Printf("running stage %s", name)
		if err := lp.runStage(ctx, name, stage); err != nil {
			return err
		}
	} else {
		log.Printf("skipping undefined stage %s", name)
	}

	if stage, ok := lp.ctx.Plan.Lifecycle["post_"+name]; ok {
		log.Printf("running hook post_%s", name)
		if err := lp.runStage(ctx, "post_"+name, stage); err != nil {
			return err
		}
	}
	return nil
}

func (lp *LifecyclePipeline) runStage(ctx context.Context, name string, stage plan.Stage) error {
	if stage.Script == "" {
		log.Printf("stage %s has empty script, skipping", name)
		return nil
	}

	executorName := stage.Executor
	if executorName == "" {
		executorName = "shell"
	}
	ex, ok := lp.ctx.Executors.Get(executorName)
	if !ok {
		return &wright.BuildError{Plan: lp.ctx.Plan.Metadata.Name, Stage: name, Msg: "executor not found: " + executorName}
	}

	opts := ExecutorOptions{
		Level:    sandbox.ParseLevel(stage.Sandbox),
		SrcDir:   lp.ctx.SrcDir,
		PkgDir:   lp.ctx.PkgDir,
		FilesDir: lp.ctx.FilesDir,
		RLimits:  lp.ctx.RLimits,
	}

	result, err := ExecuteScript(ctx, ex, stage.Script, lp.ctx.WorkingDir, stage.Env, lp.ctx.Vars, opts)
	if err != nil {
		return &wright.BuildError{Plan: lp.ctx.Plan.Metadata.Name, Stage: name, Msg: err.Error()}
	}

	lp.writeStageLog(name, result)

	if result.ExitCode != 0 {
		if stage.Optional {
			log.Printf("optional stage %q failed (exit code %d), continuing", name, result.ExitCode)
			return nil
		}
		return &wright.BuildError{
			Plan:  lp.ctx.Plan.Metadata.Name,
			Stage: name,
			Msg:   fmt.Sprintf("exit code %d\nstderr: %s", result.ExitCode, result.Stderr),
		}
	}
	return nil
}

func (lp *LifecyclePipeline) writeStageLog(name string, result *ExecutionResult) {
	logPath := filepath.Join(lp.ctx.LogDir, name+".log")
	content := fmt.Sprintf(
		"=== Stage: %s ===\n=== Exit code: %d ===\n\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
		name, result.ExitCode, result.Stdout, result.Stderr,
	)
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		log.Printf("failed to write stage log %s: %v", logPath, err)
	}
}
