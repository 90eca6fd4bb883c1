package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/raysh454/lucid/internal/model"
)

// script runs the profile's remediation script with the incident in its
// environment.
func (d *Dispatcher) script(ctx context.Context, req Request, res *model.ActionResult) error {
	if req.Profile == nil || req.Profile.Remediation.ScriptPath == "" {
		return fmt.Errorf("script: %w", ErrMissingTarget)
	}
	cmd := exec.CommandContext(ctx, req.Profile.Remediation.ScriptPath)
	cmd.Env = append(os.Environ(), scriptEnv(req)...)

	out, err := cmd.CombinedOutput()
	res.Metadata.Output = truncate(strings.TrimSpace(string(out)), d.cfg.MaxOutput)

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.Metadata.ExitCode = exitErr.ExitCode()
		return fmt.Errorf("script exited with status %d", exitErr.ExitCode())
	case err != nil:
		res.Metadata.ExitCode = -1
		return fmt.Errorf("script: %w", err)
	}
	res.Message = "script completed"
	return nil
}

func scriptEnv(req Request) []string {
	env := []string{
		"LUCID_STRATEGY=" + string(req.Winner.Strategy),
		"LUCID_SCORE=" + strconv.FormatFloat(req.Winner.Score, 'f', 4, 64),
		"LUCID_ROOT_CAUSE=" + req.Diagnosis.RootCause,
	}
	if inc := req.Incident; inc != nil {
		env = append(env,
			"LUCID_INCIDENT_ID="+inc.ID,
			"LUCID_INCIDENT_TYPE="+string(inc.Type),
			"LUCID_SEVERITY="+string(inc.Severity),
			"LUCID_TARGET_URL="+inc.TargetURL,
			"LUCID_DESCRIPTION="+inc.Description,
		)
	}
	if p := req.Profile; p != nil {
		env = append(env, "LUCID_PROFILE="+p.Slug)
	}
	return env
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
