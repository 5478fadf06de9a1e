package condition

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/droverhq/drover/pkg/flow"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

// Status is the verdict of evaluating one condition
type Status string

const (
	// StatusPass means the condition is satisfied
	StatusPass Status = "pass"
	// StatusFail means the condition rejected; route to its on_fail state
	StatusFail Status = "fail"
	// StatusPending means the condition cannot be decided yet (an agent
	// decision or manual approval has not arrived); the transition waits
	StatusPending Status = "pending"
)

// Outcome is the result of evaluating a transition's condition list
type Outcome struct {
	Status    Status
	Condition string          // name of the condition that failed or is pending
	Agent     string          // pending agent conditions: blueprint whose decision is awaited
	RouteTo   types.TaskState // where a failure routes the task
	Reason    string
}

// Mailbox is the slice of the store conditions read decisions from
type Mailbox interface {
	ListMessages(ctx context.Context, q store.MessageQuery) ([]*types.Message, error)
}

// ScriptRunner executes a script condition in a working directory.
// A nil error is a pass; an *exec.ExitError is a fail; anything else is
// an evaluation error.
type ScriptRunner func(ctx context.Context, dir, command string) error

// ExecScript is the production ScriptRunner
func ExecScript(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	return cmd.Run()
}

// Evaluator evaluates transition conditions in declared order
type Evaluator struct {
	mailbox       Mailbox
	runScript     ScriptRunner
	scriptTimeout time.Duration
	defaultOnFail types.TaskState
}

// NewEvaluator creates an evaluator. Script conditions run through runner
// (ExecScript in production) with a per-script timeout.
func NewEvaluator(mailbox Mailbox, runner ScriptRunner) *Evaluator {
	if runner == nil {
		runner = ExecScript
	}
	return &Evaluator{
		mailbox:       mailbox,
		runScript:     runner,
		scriptTimeout: 60 * time.Second,
		defaultOnFail: types.TaskStateIncoming,
	}
}

// Evaluate runs the conditions in order and stops at the first one that does
// not pass. Cheap deterministic checks belong first in the flow definition;
// the evaluator itself preserves the declared order.
func (e *Evaluator) Evaluate(ctx context.Context, task *types.Task, conds []flow.Condition, sandboxPath string) (*Outcome, error) {
	logger := log.WithTaskID(task.ID)

	for i := range conds {
		c := &conds[i]
		var status Status
		var reason string
		var err error

		switch c.Type {
		case flow.ConditionScript:
			status, reason, err = e.evalScript(ctx, c, sandboxPath)
		case flow.ConditionAgent:
			status, reason, err = e.evalDecision(ctx, task, c, types.MessageDecision)
		case flow.ConditionManual:
			status, reason, err = e.evalDecision(ctx, task, c, types.MessageApproval)
		default:
			return nil, fmt.Errorf("unknown condition type %q", c.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", c.Name, err)
		}

		if status == StatusPass {
			continue
		}

		out := &Outcome{Status: status, Condition: c.Name, Reason: reason}
		if c.Type == flow.ConditionAgent {
			out.Agent = c.Agent
		}
		if status == StatusFail {
			out.RouteTo = c.OnFail
			if out.RouteTo == "" {
				out.RouteTo = e.defaultOnFail
			}
			logger.Info().
				Str("condition", c.Name).
				Str("route_to", string(out.RouteTo)).
				Str("reason", reason).
				Msg("condition failed")
		} else {
			logger.Debug().Str("condition", c.Name).Msg("condition pending")
		}
		return out, nil
	}

	return &Outcome{Status: StatusPass}, nil
}

// evalScript runs a script condition; exit code 0 is a pass
func (e *Evaluator) evalScript(ctx context.Context, c *flow.Condition, dir string) (Status, string, error) {
	sctx, cancel := context.WithTimeout(ctx, e.scriptTimeout)
	defer cancel()

	err := e.runScript(sctx, dir, c.Script)
	if err == nil {
		return StatusPass, "", nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return StatusFail, fmt.Sprintf("script %q exited nonzero", c.Name), nil
	}
	if sctx.Err() != nil {
		return StatusFail, fmt.Sprintf("script %q timed out", c.Name), nil
	}
	return "", "", err
}

// evalDecision resolves agent and manual conditions from the task's mailbox.
// Agent conditions wait for a decision message written after a condition
// worker finishes; manual conditions wait for an approval message posted by
// an operator. Absence of a message is Pending, not a failure.
func (e *Evaluator) evalDecision(ctx context.Context, task *types.Task, c *flow.Condition, msgType types.MessageType) (Status, string, error) {
	msgs, err := e.mailbox.ListMessages(ctx, store.MessageQuery{
		TaskID: task.ID,
		Type:   msgType,
	})
	if err != nil {
		return "", "", err
	}

	// The newest message for this condition wins
	var latest *types.Message
	for _, m := range msgs {
		if m.Subject != c.Name {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return StatusPending, "", nil
	}

	switch types.Decision(latest.Body) {
	case types.DecisionApprove:
		return StatusPass, "", nil
	case types.DecisionReject:
		return StatusFail, latest.Subject + ": rejected", nil
	default:
		// A message with an unrecognized verdict is a protocol violation
		// from the deciding side; do not guess
		return StatusPending, "", nil
	}
}
