package result

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kaptinlin/jsonrepair"

	"github.com/droverhq/drover/pkg/types"
)

// ParseDocument decodes a worker result document. Workers are LLM processes
// and their JSON is frequently slightly malformed (trailing commas, single
// quotes, stray prose), so a strict parse failure falls back to a repair
// pass before giving up.
func ParseDocument(data []byte) (*types.Result, error) {
	var res types.Result
	if err := json.Unmarshal(data, &res); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(data))
		if repairErr != nil {
			return nil, fmt.Errorf("malformed result document: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &res); err != nil {
			return nil, fmt.Errorf("malformed result document after repair: %w", err)
		}
	}

	if !res.Valid() {
		return nil, fmt.Errorf("result document violates the worker protocol: outcome=%q decision=%q", res.Outcome, res.Decision)
	}
	return &res, nil
}

// ReadDocument loads the result from the well-known path. Per the worker
// contract the document is the sole output channel; its absence means the
// worker crashed, so the outcome is inferred from whether commits exist:
// commits mean interrupted work (needs_continuation), none means failure.
func ReadDocument(path string, hasCommits bool) *types.Result {
	data, err := os.ReadFile(path)
	if err != nil {
		if hasCommits {
			return &types.Result{
				Outcome: types.OutcomeNeedsContinuation,
				Reason:  "worker exited without a result document; sandbox has commits",
			}
		}
		return &types.Result{
			Outcome: types.OutcomeFailed,
			Reason:  "worker exited without a result document and no commits",
		}
	}

	res, err := ParseDocument(data)
	if err != nil {
		return &types.Result{
			Outcome: types.OutcomeFailed,
			Reason:  err.Error(),
		}
	}
	return res
}
