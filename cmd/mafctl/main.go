// Command mafctl is the CLI adapter (component K) over the runtime
// façade: claim, release, status, escalate, and preflight-commit
// subcommands, each honoring the fixed exit-code and output-mode
// contracts in §4.K.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/codeready-toolchain/maf/internal/config"
	"github.com/codeready-toolchain/maf/internal/escalation"
	"github.com/codeready-toolchain/maf/internal/runtime"
	"github.com/codeready-toolchain/maf/internal/scheduler"
)

// Exit codes, fixed per §4.K.
const (
	exitSuccess         = 0
	exitGenericError    = 1
	exitNoWork          = 2
	exitInvalidArgument = 3
	exitLeaseConflict   = 4
	exitQuotaExceeded   = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mafctl <claim|release|status|escalate|preflight-commit> [flags]")
		return exitInvalidArgument
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "claim":
		return cmdClaim(rest)
	case "release":
		return cmdRelease(rest)
	case "status":
		return cmdStatus(rest)
	case "escalate":
		return cmdEscalate(rest)
	case "preflight-commit":
		return cmdPreflightCommit(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		return exitInvalidArgument
	}
}

// resolveAgentID implements §4.K's "explicit flag > environment variable >
// failure with exit code 3" identity resolution.
func resolveAgentID(flagVal string) (string, int) {
	if flagVal != "" {
		return flagVal, exitSuccess
	}
	if v := os.Getenv("MAF_AGENT_ID"); v != "" {
		return v, exitSuccess
	}
	return "", exitInvalidArgument
}

func openRuntime(ctx context.Context, configDir string) (*runtime.Runtime, int) {
	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return nil, exitInvalidArgument
	}
	rt, err := runtime.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %v\n", err)
		return nil, exitGenericError
	}
	return rt, exitSuccess
}

func emit(jsonMode bool, humanLine string, doc interface{}) {
	if jsonMode {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(doc)
		return
	}
	fmt.Println(humanLine)
}

func cmdClaim(args []string) int {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	agentFlag := fs.String("agent", "", "agent id")
	configDir := fs.String("config-dir", "./deploy/config", "configuration directory")
	jsonOut := fs.Bool("json", false, "machine-readable JSON output")
	dryRun := fs.Bool("dry-run", false, "preview only, acquire nothing")
	leaseDuration := fs.Duration("lease-duration", 0, "lease duration override")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgument
	}

	agentID, code := resolveAgentID(*agentFlag)
	if code != exitSuccess {
		fmt.Fprintln(os.Stderr, "agent id required: pass -agent or set MAF_AGENT_ID")
		return code
	}

	ctx := context.Background()
	rt, code := openRuntime(ctx, *configDir)
	if code != exitSuccess {
		return code
	}
	defer rt.Close()

	outcome, err := rt.Scheduler.ClaimNext(ctx, agentID, scheduler.Filters{}, *leaseDuration, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "claim failed: %v\n", err)
		return exitGenericError
	}

	if outcome.Claimed != nil {
		c := outcome.Claimed
		human := fmt.Sprintf("claimed task %s (acquired %d files, %d conflicts)", c.Task.ID, len(c.AcquiredFiles), len(c.ConflictedFiles))
		emit(*jsonOut, human, c)
		return exitSuccess
	}

	emit(*jsonOut, "no work available", outcome.NoneAvailable)
	return exitNoWork
}

func cmdRelease(args []string) int {
	fs := flag.NewFlagSet("release", flag.ContinueOnError)
	agentFlag := fs.String("agent", "", "agent id")
	taskID := fs.String("task", "", "task id to release")
	path := fs.String("path", "", "file path to release")
	configDir := fs.String("config-dir", "./deploy/config", "configuration directory")
	jsonOut := fs.Bool("json", false, "machine-readable JSON output")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgument
	}

	agentID, code := resolveAgentID(*agentFlag)
	if code != exitSuccess {
		fmt.Fprintln(os.Stderr, "agent id required: pass -agent or set MAF_AGENT_ID")
		return code
	}
	if *taskID == "" && *path == "" {
		fmt.Fprintln(os.Stderr, "release requires -task or -path")
		return exitInvalidArgument
	}

	ctx := context.Background()
	rt, code := openRuntime(ctx, *configDir)
	if code != exitSuccess {
		return code
	}
	defer rt.Close()

	if *taskID != "" {
		if err := rt.Leases.ReleaseTaskLease(ctx, *taskID, agentID); err != nil {
			fmt.Fprintf(os.Stderr, "release failed: %v\n", err)
			return exitGenericError
		}
	}
	if *path != "" {
		if err := rt.Leases.ReleaseFile(ctx, *path, agentID, false); err != nil {
			fmt.Fprintf(os.Stderr, "release failed: %v\n", err)
			return exitGenericError
		}
	}

	emit(*jsonOut, "released", map[string]string{"status": "ok"})
	return exitSuccess
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configDir := fs.String("config-dir", "./deploy/config", "configuration directory")
	jsonOut := fs.Bool("json", false, "machine-readable JSON output")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgument
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt, code := openRuntime(ctx, *configDir)
	if code != exitSuccess {
		return code
	}
	defer rt.Close()

	stats, err := rt.Tasks.ComputeStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
		return exitGenericError
	}

	emit(*jsonOut, fmt.Sprintf("%d tasks total", stats.Total), stats)
	return exitSuccess
}

func cmdEscalate(args []string) int {
	fs := flag.NewFlagSet("escalate", flag.ContinueOnError)
	agentFlag := fs.String("agent", "", "agent id")
	channel := fs.String("channel", escalation.ChannelAgentMail, "target channel")
	reason := fs.String("reason", "", "escalation reason")
	ctxMsg := fs.String("context", "", "free-form context")
	priority := fs.Int("priority", 0, "priority")
	configDir := fs.String("config-dir", "./deploy/config", "configuration directory")
	jsonOut := fs.Bool("json", false, "machine-readable JSON output")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgument
	}

	agentID, code := resolveAgentID(*agentFlag)
	if code != exitSuccess {
		fmt.Fprintln(os.Stderr, "agent id required: pass -agent or set MAF_AGENT_ID")
		return code
	}

	ctx := context.Background()
	rt, code := openRuntime(ctx, *configDir)
	if code != exitSuccess {
		return code
	}
	defer rt.Close()

	msgID, err := rt.Escalation.Send(ctx, *channel, escalation.KindEscalationRequest, agentID, escalation.EscalationRequestPayload{
		Level:    "manual",
		Context:  *ctxMsg,
		Reason:   *reason,
		Priority: *priority,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "escalate failed: %v\n", err)
		return exitGenericError
	}

	emit(*jsonOut, "escalated: "+msgID, map[string]string{"message_id": msgID})
	return exitSuccess
}

func cmdPreflightCommit(args []string) int {
	fs := flag.NewFlagSet("preflight-commit", flag.ContinueOnError)
	agentFlag := fs.String("agent", "", "agent id")
	configDir := fs.String("config-dir", "./deploy/config", "configuration directory")
	jsonOut := fs.Bool("json", false, "machine-readable JSON output")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgument
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "preflight-commit requires one or more staged paths")
		return exitInvalidArgument
	}

	agentID, code := resolveAgentID(*agentFlag)
	if code != exitSuccess {
		fmt.Fprintln(os.Stderr, "agent id required: pass -agent or set MAF_AGENT_ID")
		return code
	}

	ctx := context.Background()
	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitInvalidArgument
	}
	rt, err := runtime.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %v\n", err)
		return exitGenericError
	}
	defer rt.Close()

	decision, err := rt.PreCommit.Check(ctx, paths, agentID, cfg.OverrideActive())
	if err != nil {
		fmt.Fprintf(os.Stderr, "preflight-commit failed: %v\n", err)
		return exitGenericError
	}

	if !decision.Allow {
		emit(*jsonOut, rt.PreCommit.Summary(decision), decision)
		return exitLeaseConflict
	}

	emit(*jsonOut, rt.PreCommit.Summary(decision), decision)
	return exitSuccess
}
