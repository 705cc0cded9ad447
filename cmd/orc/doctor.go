package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
)

// DoctorCmd checks environment prerequisites (§6): the git and AI-CLI
// binaries the worker/merge paths shell out to, that the ralph directory is
// writable and holds its required files, and the optional event index.
type DoctorCmd struct{}

type doctorCheck struct {
	name string
	ok   bool
	note string
}

func (c *DoctorCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		cfg = nil
	}

	var checks []doctorCheck
	checks = append(checks, checkBinary("git"))
	binary := "claude"
	if cfg != nil && cfg.Backend.Name != "" && cfg.Backend.Name != "claude-cli" {
		binary = cfg.Backend.Name
	}
	checks = append(checks, checkBinary(binary))
	checks = append(checks, checkBinaryOptional("gh", "merge coordination disabled without it"))
	checks = append(checks, checkWritable(cli.RalphDir))
	checks = append(checks, checkFileExists(filepath.Join(cli.RalphDir, "kanban.md")))
	checks = append(checks, checkFileExists(cli.configPath()))
	checks = append(checks, checkFileExists(filepath.Join(cli.RalphDir, "pipeline-config.json")))
	checks = append(checks, checkFileExists(filepath.Join(cli.RalphDir, "lifecycle-spec.json")))
	checks = append(checks, checkEventIndex(cli))

	failed := 0
	for _, chk := range checks {
		status := "ok"
		if !chk.ok {
			status = "FAIL"
			failed++
		}
		if chk.note != "" {
			fmt.Printf("[%s] %s (%s)\n", status, chk.name, chk.note)
		} else {
			fmt.Printf("[%s] %s\n", status, chk.name)
		}
	}

	if failed > 0 {
		return errs.New("doctor.check", errs.CodePrereqMissing, fmt.Errorf("%d check(s) failed", failed))
	}
	return nil
}

func checkBinary(name string) doctorCheck {
	_, err := exec.LookPath(name)
	return doctorCheck{name: "binary:" + name, ok: err == nil}
}

func checkBinaryOptional(name, note string) doctorCheck {
	_, err := exec.LookPath(name)
	if err != nil {
		return doctorCheck{name: "binary:" + name, ok: true, note: note}
	}
	return doctorCheck{name: "binary:" + name, ok: true}
}

func checkWritable(dir string) doctorCheck {
	probe := filepath.Join(dir, ".orc-doctor-probe")
	err := os.WriteFile(probe, []byte("ok"), 0o644)
	if err == nil {
		os.Remove(probe)
	}
	return doctorCheck{name: "writable:" + dir, ok: err == nil}
}

func checkFileExists(path string) doctorCheck {
	_, err := os.Stat(path)
	return doctorCheck{name: "file:" + path, ok: err == nil}
}

// checkEventIndex confirms the sqlite secondary index (§4.12) can be opened
// and rebuilt from whatever worker directories currently exist.
func checkEventIndex(cli *CLI) doctorCheck {
	ix, err := rebuildEventIndex(cli)
	if err != nil {
		return doctorCheck{name: "eventindex", ok: false, note: err.Error()}
	}
	defer ix.Close()
	return doctorCheck{name: "eventindex", ok: true}
}
