// Package sandbox implements the container sandbox runtime (spec §4.F):
// lazy diff extraction with memoization, union-mount stacking with an
// arity-cap collapse, and namespace+chroot script execution.
//
// Namespace entry uses os/exec's SysProcAttr.Cloneflags/UidMappings rather
// than shelling out to unshare(1) the way the original tool and this
// module's teacher's boot-time init code both do — see DESIGN.md. Because
// the overlay and bind mounts must live inside the fresh mount namespace
// (not the orchestrating process's own), the mounting work itself happens
// in a re-exec of this binary after the clone: argv[1] is ReexecArg and the
// work to do is read from the JSON file named by STAMP_SANDBOX_SPEC.
package sandbox

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kierdavis/stamp/lib/ocilayout"
	"github.com/kierdavis/stamp/lib/stamperr"
)

// ReexecArg is the argv[1] value cmd/stamp dispatches back into
// RunReexecEntrypoint when this binary has just been re-executed inside a
// fresh set of namespaces.
const ReexecArg = "__stamp_sandbox_entrypoint__"

// specEnvVar names the environment variable carrying the path to the JSON
// file describing the mount/exec work the reexec entrypoint must perform.
const specEnvVar = "STAMP_SANDBOX_SPEC"

// Runtime owns the diff-extraction cache for one invocation. It must not
// be shared across invocations.
type Runtime struct {
	baseDiffsDir string
	maxLowerdirs int
	extracted    map[string]string
}

// NewRuntime constructs a Runtime that extracts base layer diffs found
// under baseDiffsDir (the "sha256/<hex>" symlink forest produced by
// patch-diffs), with maxLowerdirs as the overlay fan-in cap.
func NewRuntime(baseDiffsDir string, maxLowerdirs int) *Runtime {
	return &Runtime{
		baseDiffsDir: baseDiffsDir,
		maxLowerdirs: maxLowerdirs,
		extracted:    make(map[string]string),
	}
}

// ExtractDiff extracts the diff named by digest at most once per Runtime,
// returning the (memoized) directory it was extracted into.
func (rt *Runtime) ExtractDiff(digest string) (string, error) {
	if dir, ok := rt.extracted[digest]; ok {
		return dir, nil
	}

	relPath, err := ocilayout.DigestToRelPath(digest)
	if err != nil {
		return "", err
	}
	diffPath := filepath.Join(rt.baseDiffsDir, relPath)

	dir, err := os.MkdirTemp("", "stamp-diff-*")
	if err != nil {
		return "", fmt.Errorf("create extraction dir for %s: %w", digest, err)
	}
	if err := extractTar(diffPath, dir); err != nil {
		return "", fmt.Errorf("extract diff %s: %w", digest, err)
	}
	rt.extracted[digest] = dir
	return dir, nil
}

func extractTar(tarPath, destDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
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

// RunOptions describes one script execution (spec §4.F).
type RunOptions struct {
	// Script is the shell script body to run inside the sandbox.
	Script string
	// UpperDir is the writable staging directory used as the overlay's
	// top layer. If empty, the sandbox root is read-only.
	UpperDir string
	// ImgConfig is the base image's config document (map[string]any), or
	// nil if there is no base image (UpperDir alone is the rootfs).
	ImgConfig map[string]any
	// Env is forwarded into the script's environment in addition to
	// ImgConfig's config.Env, notably SOURCE_DATE_EPOCH.
	Env map[string]string
}

// sandboxSpec is the JSON payload handed to the reexec entrypoint.
type sandboxSpec struct {
	LowerDirs    []string          `json:"lowerDirs"`
	UpperDir     string            `json:"upperDir"`
	MaxLowerdirs int               `json:"maxLowerdirs"`
	Env          map[string]string `json:"env"`
	Script       string            `json:"script"`
	MergedRoot   string            `json:"mergedRoot"`
	ScratchDir   string            `json:"scratchDir"`
}

// Run executes opts.Script inside a filesystem view equivalent to booting
// the base image with opts.UpperDir layered on top, in fresh namespaces.
func (rt *Runtime) Run(opts RunOptions) error {
	scratchDir, err := os.MkdirTemp("", "stamp-sandbox-*")
	if err != nil {
		return fmt.Errorf("create sandbox scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	var lowerDirs []string
	if opts.ImgConfig != nil {
		rootfs, _ := opts.ImgConfig["rootfs"].(map[string]any)
		diffIDsRaw, _ := rootfs["diff_ids"].([]any)
		// topmost-first: reverse of the stored (bottom-to-top) diff_ids order.
		for i := len(diffIDsRaw) - 1; i >= 0; i-- {
			digest, _ := diffIDsRaw[i].(string)
			dir, err := rt.ExtractDiff(digest)
			if err != nil {
				return err
			}
			lowerDirs = append(lowerDirs, dir)
		}
	}

	env := map[string]string{}
	if opts.ImgConfig != nil {
		if cfg, ok := opts.ImgConfig["config"].(map[string]any); ok {
			if envList, ok := cfg["Env"].([]any); ok {
				for _, e := range envList {
					if s, ok := e.(string); ok {
						if k, v, found := strings.Cut(s, "="); found {
							env[k] = v
						}
					}
				}
			}
		}
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	mergedRoot := filepath.Join(scratchDir, "root")
	if err := os.MkdirAll(mergedRoot, 0o755); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}

	spec := sandboxSpec{
		LowerDirs:    lowerDirs,
		UpperDir:     opts.UpperDir,
		MaxLowerdirs: rt.maxLowerdirs,
		Env:          env,
		Script:       opts.Script,
		MergedRoot:   mergedRoot,
		ScratchDir:   scratchDir,
	}
	specPath := filepath.Join(scratchDir, "spec.json")
	specBytes, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal sandbox spec: %w", err)
	}
	if err := os.WriteFile(specPath, specBytes, 0o600); err != nil {
		return fmt.Errorf("write sandbox spec: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	cmd := exec.Command(self, ReexecArg)
	cmd.Env = append(os.Environ(), specEnvVar+"="+specPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS |
			unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}

	if err := cmd.Run(); err != nil {
		return stamperr.SubprocessFailure("sandboxed script exited abnormally: %v", err)
	}
	return nil
}

// RunReexecEntrypoint is invoked by cmd/stamp's dispatcher when argv[1] ==
// ReexecArg: this process has just been cloned into fresh namespaces and
// must assemble the overlay rootfs, chroot, and exec the script.
func RunReexecEntrypoint() error {
	specPath := os.Getenv(specEnvVar)
	if specPath == "" {
		return fmt.Errorf("%s not set", specEnvVar)
	}
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read sandbox spec: %w", err)
	}
	var spec sandboxSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("unmarshal sandbox spec: %w", err)
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount namespace private: %w", err)
	}

	lowerDirs, err := collapseOverlayStack(spec.LowerDirs, spec.MaxLowerdirs, spec.ScratchDir)
	if err != nil {
		return err
	}

	if err := mountMergedRoot(lowerDirs, spec.UpperDir, spec.MergedRoot, spec.ScratchDir); err != nil {
		dumpRingBuffer()
		return err
	}

	for _, sub := range []string{"dev", "proc", "sys"} {
		dir := filepath.Join(spec.MergedRoot, sub)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create /%s: %w", sub, err)
			}
		}
		if err := unix.Mount("/"+sub, dir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount /%s: %w", sub, err)
		}
	}

	if err := unix.Chroot(spec.MergedRoot); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	var env []string
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	shPath, err := exec.LookPath("sh")
	if err != nil {
		shPath = "/bin/sh"
	}
	argv := []string{"sh", "-e", "-u", "-c", spec.Script}
	return syscall.Exec(shPath, argv, env)
}

// mountMergedRoot performs the final union mount: lowerDirs (already
// collapsed under the arity cap, topmost-first) beneath upperDir if set,
// mounted "volatile" (writable) when there's an upper layer, "ro"
// otherwise. With no lower layers, upperDir alone is bind-mounted as the
// root.
func mountMergedRoot(lowerDirs []string, upperDir, mergedRoot, scratchDir string) error {
	if len(lowerDirs) == 0 {
		if upperDir == "" {
			return fmt.Errorf("sandbox root has neither lower layers nor an upper directory")
		}
		return unix.Mount(upperDir, mergedRoot, "", unix.MS_BIND, "")
	}

	// overlayfs wants lowerdir listed topmost-first, colon-separated.
	lowerOpt := "lowerdir=" + strings.Join(lowerDirs, ":")

	if upperDir == "" {
		opts := lowerOpt + ",ro"
		return unix.Mount("overlay", mergedRoot, "overlay", 0, opts)
	}

	workDir := filepath.Join(scratchDir, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create overlay workdir: %w", err)
	}
	opts := fmt.Sprintf("%s,upperdir=%s,workdir=%s,volatile", lowerOpt, upperDir, workDir)
	return unix.Mount("overlay", mergedRoot, "overlay", 0, opts)
}

// collapseOverlayStack reduces lowerDirs (topmost-first) to at most cap
// entries by repeatedly mounting a read-only tier-2 overlay over a
// contiguous window at the bottom of the stack and substituting its
// mountpoint for the window.
func collapseOverlayStack(lowerDirs []string, maxLowerdirs int, scratchDir string) ([]string, error) {
	if maxLowerdirs <= 0 {
		maxLowerdirs = 28
	}
	stack := append([]string(nil), lowerDirs...)
	tier := 0
	for len(stack) > maxLowerdirs {
		bottomStart := len(stack) - maxLowerdirs
		window := stack[bottomStart:]
		upper := window[len(window)-1]
		lowers := window[:len(window)-1]

		mountpoint := filepath.Join(scratchDir, fmt.Sprintf("tier2-%d", tier))
		workdir := filepath.Join(scratchDir, fmt.Sprintf("tier2-%d-work", tier))
		if err := os.MkdirAll(mountpoint, 0o755); err != nil {
			return nil, fmt.Errorf("create tier-2 overlay mountpoint: %w", err)
		}
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			return nil, fmt.Errorf("create tier-2 overlay workdir: %w", err)
		}

		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s,ro", strings.Join(lowers, ":"), upper, workdir)
		if err := unix.Mount("overlay", mountpoint, "overlay", 0, opts); err != nil {
			return nil, fmt.Errorf("mount tier-2 overlay (window of %d): %w", len(window), err)
		}

		stack = append(append([]string{}, stack[:bottomStart]...), mountpoint)
		tier++
	}
	return stack, nil
}

// dumpRingBuffer logs the kernel ring buffer for operator diagnosis when
// the critical overlay mount itself fails (spec §9).
func dumpRingBuffer() {
	buf := make([]byte, 256*1024)
	n, err := unix.Klogctl(unix.SYSLOG_ACTION_READ_ALL, buf)
	if err != nil {
		slog.Warn("could not read kernel ring buffer for mount-failure diagnosis", "error", err)
		return
	}
	slog.Error("overlay mount failed; kernel ring buffer follows", "dmesg", string(buf[:n]))
}
