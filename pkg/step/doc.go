/*
Package step holds the registry of named, side-effectful functions executed
during flow transitions, and the ordered executor that runs them.

Steps are registered by name at process start and looked up by string name
from flow YAML; flows are validated against the registry at load time, so a
missing name at dispatch time is a configuration bug. Execution is strictly
ordered: the first failing step stops the run and its error propagates to the
flow dispatcher, which routes the failure. Side effects of steps that already
ran (a pushed branch, an opened PR) are deliberately left in place — recovery
is manual.

Builtins: push_branch, run_tests, create_pr, submit_to_server,
post_review_comment, merge_pr, reject_with_feedback, create_project_pr,
merge_project_pr, rebase_on_project_branch.

Two behaviors are load-bearing:

  - merge_pr never swallows a failed merge
  - reject_with_feedback rewrites the prompt body instead of prepending to it
*/
package step
