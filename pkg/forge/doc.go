/*
Package forge is the narrow adapter over the pull-request host.

Steps that create, comment on, or merge pull requests go through the Forge
interface; the production implementation shells out to the gh CLI with a
Runner seam for tests. The adapter deliberately exposes errors verbatim —
in particular MergePR must surface a failed merge to its caller so the flow
dispatcher can route the failure.
*/
package forge
