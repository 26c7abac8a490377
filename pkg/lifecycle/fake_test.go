package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/tracker"
)

// fakeRemote is an in-memory tracker
type fakeRemote struct {
	mu      sync.Mutex
	next    int
	issues  map[string]tracker.IssueInput
	links   [][3]string
	creates int
	updates int

	createErr error
	updateErr error
	linkErr   error
	onCreate  func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{issues: map[string]tracker.IssueInput{}}
}

func (r *fakeRemote) CreateIssue(ctx context.Context, in tracker.IssueInput) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	r.next++
	r.creates++
	key := fmt.Sprintf("HC-%d", r.next)
	r.issues[key] = in
	if r.onCreate != nil {
		r.onCreate()
	}
	return key, nil
}

func (r *fakeRemote) UpdateIssue(ctx context.Context, key string, in tracker.IssueInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	cur, ok := r.issues[key]
	if !ok {
		return syncerr.Stale("update_issue", key)
	}
	r.updates++
	cur.Description = in.Description
	if in.Summary != "" {
		cur.Summary = in.Summary
	}
	if in.Priority != "" {
		cur.Priority = in.Priority
	}
	if in.Labels != nil {
		cur.Labels = in.Labels
	}
	for _, l := range in.AddLabels {
		if !contains(cur.Labels, l) {
			cur.Labels = append(cur.Labels, l)
		}
	}
	r.issues[key] = cur
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *fakeRemote) CreateLink(ctx context.Context, linkType, inward, outward string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.linkErr != nil {
		return r.linkErr
	}
	r.links = append(r.links, [3]string{linkType, inward, outward})
	return nil
}

func (r *fakeRemote) SearchByLabel(ctx context.Context, label string) ([]tracker.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tracker.Issue
	for key, in := range r.issues {
		for _, l := range in.Labels {
			if l == label {
				out = append(out, tracker.Issue{Key: key, Fields: tracker.Fields{Labels: in.Labels}})
			}
		}
	}
	return out, nil
}

func (r *fakeRemote) delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.issues, key)
}
