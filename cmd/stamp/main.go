// Command stamp is the single-binary entry point for every build-time OCI
// image sub-command (spec §6): nix-packing-plan, layer-diff, patch-oci,
// patch-diffs, extract-diffs, layer-blob, plus the sandbox's own reexec
// entrypoint.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kierdavis/stamp/lib/attrs"
	"github.com/kierdavis/stamp/lib/config"
	"github.com/kierdavis/stamp/lib/extractdiffs"
	"github.com/kierdavis/stamp/lib/layerblob"
	"github.com/kierdavis/stamp/lib/layerdiff"
	"github.com/kierdavis/stamp/lib/ocipatch"
	"github.com/kierdavis/stamp/lib/packing"
	"github.com/kierdavis/stamp/lib/sandbox"
)

func main() {
	if err := run(); err != nil {
		slog.Error("stamp failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: stamp <sub-command>")
	}
	subcommand := os.Args[1]

	// The sandbox runtime reexecs this same binary into a freshly cloned
	// set of namespaces (lib/sandbox) rather than the orchestrator process
	// doing the mounting itself; this branch is where that child lands.
	if subcommand == sandbox.ReexecArg {
		return sandbox.RunReexecEntrypoint()
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	slog.Info("subcommand start", "cmd", subcommand)
	start := time.Now()

	switch subcommand {
	case "nix-packing-plan":
		err = runPackingPlan(cfg)
	case "layer-diff":
		err = runLayerDiff(cfg)
	case "patch-oci":
		err = runPatchOCI(cfg)
	case "patch-diffs":
		err = runPatchDiffs(cfg)
	case "extract-diffs":
		err = runExtractDiffs(cfg)
	case "layer-blob":
		err = runLayerBlob(cfg)
	default:
		err = fmt.Errorf("unknown sub-command %q", subcommand)
	}

	slog.Info("subcommand done", "cmd", subcommand, "duration", time.Since(start))
	return err
}

func runPackingPlan(cfg config.Config) error {
	var req attrs.PackingPlanAttrs
	if err := attrs.Load(cfg.AttrsFile, &req); err != nil {
		return err
	}

	graph, err := req.BuildDepGraph()
	if err != nil {
		return err
	}
	layers, err := packing.Plan(graph, req.TargetLayerSize)
	if err != nil {
		return err
	}
	return packing.WriteLayers(req.Outputs.Out, layers)
}

func runLayerDiff(cfg config.Config) error {
	var req attrs.LayerDiffAttrs
	if err := attrs.Load(cfg.AttrsFile, &req); err != nil {
		return err
	}
	return layerdiff.Build(req, req.Outputs.Out, layerdiff.Options{
		SourceDateEpoch: cfg.SourceDateEpoch,
		MaxLowerdirs:    cfg.MaxLowerdirs,
	})
}

func runPatchOCI(cfg config.Config) error {
	var req attrs.PatchOCIAttrs
	if err := attrs.Load(cfg.AttrsFile, &req); err != nil {
		return err
	}
	return ocipatch.PatchOCI(req)
}

func runPatchDiffs(cfg config.Config) error {
	var req attrs.PatchDiffsAttrs
	if err := attrs.Load(cfg.AttrsFile, &req); err != nil {
		return err
	}
	return ocipatch.PatchDiffs(req)
}

func runExtractDiffs(cfg config.Config) error {
	var req attrs.ExtractDiffsAttrs
	if err := attrs.Load(cfg.AttrsFile, &req); err != nil {
		return err
	}
	return extractdiffs.Run(req, cfg.BuildCores)
}

func runLayerBlob(cfg config.Config) error {
	var req attrs.LayerBlobAttrs
	if err := attrs.Load(cfg.AttrsFile, &req); err != nil {
		return err
	}
	return layerblob.Run(req, cfg.BuildCores)
}
