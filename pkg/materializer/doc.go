/*
Package materializer turns compliance results into issue rows.

For each regulatory tag of a requirement, in order, every test case is
evaluated by the generation service. Each evaluation appends a compliance
row. A score strictly below the threshold (0.70 by default) also writes an
issue and announces it on the message channel:

	score 0.70   -> compliance row only
	score 0.6999 -> compliance row + issue

A missing score counts as 0.0. A failed evaluation is reported as a failed
item and the batch moves on; a warehouse failure ends the batch and the
rows already written stay. Re-running is the recovery path.

Re-materializing a pair that already has an open issue is governed by the
duplicate policy: skip-open reports the item as skipped, append always
writes a new issue.
*/
package materializer
