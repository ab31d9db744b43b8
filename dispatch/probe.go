/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package dispatch

import (
	"context"
	"os/exec"

	"github.com/tenwall/Conduit/global"
	"github.com/tenwall/Conduit/watchdog"
)

// ProbeResult reports whether the CLI can be found and whether the
// supervised execution path works end to end.
type ProbeResult struct {
	Command      string `json:"command"`
	CommandFound bool   `json:"command_found"`
	CommandPath  string `json:"command_path,omitempty"`
	HarnessOK    bool   `json:"harness_ok"`
	HarnessError string `json:"harness_error,omitempty"`
	PrimaryModel string `json:"primary_model"`
}

// Probe checks CLI availability without spending provider quota. The
// harness check runs echo through the same supervised streaming path a
// real execution uses.
func (d *Dispatcher) Probe(ctx context.Context) ProbeResult {
	pr := ProbeResult{
		Command:      d.command,
		PrimaryModel: d.primary,
	}
	if path, err := exec.LookPath(d.command); err == nil {
		pr.CommandFound = true
		pr.CommandPath = path
	}

	sup, err := watchdog.NewSupervisor(global.MinRollingTimeoutMs, global.MinAbsoluteTimeoutMs+1)
	if err != nil {
		pr.HarnessError = err.Error()
		return pr
	}
	runCtx := sup.Start(ctx)

	streamed := false
	res, err := d.exec.Run(runCtx, "echo", []string{"harness", "ready"}, func(string) {
		sup.NotifyActivity()
		streamed = true
	})
	sup.Stop()

	switch {
	case err != nil:
		pr.HarnessError = err.Error()
	case res.ExitCode != 0:
		pr.HarnessError = res.Stderr
	case !streamed:
		pr.HarnessError = "no output streamed from probe process"
	default:
		pr.HarnessOK = true
	}
	return pr
}
