package lifecycle

import (
	"fmt"
	"strings"

	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
)

const (
	maxSummary = 120
	// highPriorityBelow is the score under which a defect is filed as High
	highPriorityBelow = 0.40
)

func requirementInput(req *types.Requirement) tracker.IssueInput {
	blocks := []tracker.Node{tracker.Field("Requirement ID", req.ID)}
	blocks = append(blocks, tracker.TextBlocks(req.Text)...)
	if len(req.RegulatoryTags) > 0 {
		blocks = append(blocks, tracker.Field("Regulatory Tags", strings.Join(req.RegulatoryTags, ", ")))
	}
	blocks = append(blocks,
		tracker.Rule(),
		tracker.Paragraph(tracker.Em("This story is maintained by almsync.")),
	)

	labels := append([]string(nil), types.DefaultLabels...)
	for _, tag := range req.RegulatoryTags {
		labels = append(labels, label(tag))
	}
	labels = append(labels, types.IDLabel(req.ID))

	return tracker.IssueInput{
		Summary:     summary(req.Text),
		Description: tracker.Doc(blocks...),
		IssueType:   tracker.TypeStory,
		Labels:      labels,
	}
}

func issueInput(issue *types.Issue, testTitle string) tracker.IssueInput {
	name := testTitle
	if name == "" {
		name = issue.TestID
	}

	blocks := []tracker.Node{
		tracker.Field("Test Case", name),
		tracker.Field("Regulatory Tag", issue.RegulatoryTag),
		tracker.Field("Compliance Score", fmt.Sprintf("%.2f", issue.Score)),
		tracker.Rule(),
		tracker.Heading(3, "Findings"),
	}
	blocks = append(blocks, tracker.TextBlocks(issue.Notes)...)
	blocks = append(blocks,
		tracker.Rule(),
		tracker.Field("Issue ID", issue.ID),
		tracker.Field("Test Case ID", issue.TestID),
		tracker.Field("Requirement ID", issue.ReqID),
		tracker.Paragraph(tracker.Em("This defect was automatically created by almsync.")),
	)

	labels := append([]string(nil), types.DefaultLabels...)
	labels = append(labels, "test-failure")
	if issue.RegulatoryTag != "" {
		labels = append(labels, label(issue.RegulatoryTag))
	}
	labels = append(labels, types.IDLabel(issue.ID))

	priority := "Medium"
	if issue.Score < highPriorityBelow {
		priority = "High"
	}

	return tracker.IssueInput{
		Summary:     summary(fmt.Sprintf("Compliance defect [%s]: %s", issue.RegulatoryTag, name)),
		Description: tracker.Doc(blocks...),
		IssueType:   tracker.TypeBug,
		Priority:    priority,
		Labels:      labels,
	}
}

// summary returns the first line of s, cut to fit the tracker's summary field
func summary(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	r := []rune(s)
	if len(r) > maxSummary {
		return string(r[:maxSummary-3]) + "..."
	}
	return s
}

// label makes a tag usable as a tracker label, which cannot hold spaces
func label(tag string) string {
	return strings.Join(strings.Fields(tag), "_")
}

// updateInput narrows a create payload to what an update may write. The
// tracker owns summary, priority and labels once the record exists; a
// summary is only refreshed until the tracker has reported one. The
// idempotency label is re-added so search-before-create keeps finding it.
func updateInput(in tracker.IssueInput, mirror types.RemoteMirror, id string) tracker.IssueInput {
	out := tracker.IssueInput{
		Description: in.Description,
		AddLabels:   []string{types.IDLabel(id)},
	}
	if mirror.Title == "" {
		out.Summary = in.Summary
	}
	return out
}
