package minimize

import (
	"context"
	"fmt"
	"regexp"

	"verify-engine/internal/executor"
	"verify-engine/internal/sched"
)

// SchedulerOracle tests candidates by submitting them as execution
// requests: the candidate input replaces the template's working input,
// so every probe is content-hashed and cached like any other job.
type SchedulerOracle struct {
	scheduler *sched.Scheduler
	template  executor.ExecutionRequest

	// signature, when set, must match stderr/stdout for a non-zero exit
	// to count as the original failure. A non-zero exit without the
	// signature is ambiguous: some OTHER failure, not the one being
	// minimized.
	signature *regexp.Regexp
}

func NewSchedulerOracle(s *sched.Scheduler, template executor.ExecutionRequest, failureSignature string) (*SchedulerOracle, error) {
	if template.InputName == "" {
		return nil, fmt.Errorf("%w: oracle template needs an input_name", executor.ErrInvalidRequest)
	}

	var sig *regexp.Regexp
	if failureSignature != "" {
		var err error
		sig, err = regexp.Compile(failureSignature)
		if err != nil {
			return nil, fmt.Errorf("compiling failure signature: %w", err)
		}
	}

	return &SchedulerOracle{scheduler: s, template: template, signature: sig}, nil
}

// Test submits the candidate through the scheduler and interprets the
// result: timeout or a signature-matching non-zero exit reproduces the
// failure; exit zero is a pass; infrastructure failures surface as
// errors so the attempt is discarded rather than miscounted.
func (o *SchedulerOracle) Test(ctx context.Context, input []byte) (Verdict, error) {
	req := o.template
	req.Input = input

	handle, err := o.scheduler.Submit(ctx, req)
	if err != nil {
		return VerdictAmbiguous, err
	}

	res, err := o.scheduler.Await(ctx, handle)
	if err != nil {
		return VerdictAmbiguous, err
	}

	switch {
	case res.Outcome == executor.OutcomeTimedOut, res.Outcome == executor.OutcomeCrashed:
		// Hangs and resource-limit kills count as reproducing when the
		// original failure was one; with a signature set they cannot
		// match it, so they are ambiguous instead.
		if o.signature != nil {
			return VerdictAmbiguous, nil
		}
		return VerdictFails, nil
	case res.ExitCode == 0:
		return VerdictPasses, nil
	case o.signature == nil:
		return VerdictFails, nil
	case o.signature.MatchString(res.Stderr) || o.signature.MatchString(res.Stdout):
		return VerdictFails, nil
	default:
		return VerdictAmbiguous, nil
	}
}
