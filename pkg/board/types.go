// Package board defines the ticket/project-board client contract the
// orchestration engine is written against, plus the work-item snapshot
// model. The production implementation shells out to the gh CLI; tests
// provide mocks.
package board

import (
	"context"
	"fmt"
)

// Repo identifies a repository on a ticket host.
type Repo struct {
	Host  string `json:"host"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// Slug returns "owner/name", the form most CLI commands take.
func (r Repo) Slug() string {
	return r.Owner + "/" + r.Name
}

// String returns "host/owner/name".
func (r Repo) String() string {
	return r.Host + "/" + r.Owner + "/" + r.Name
}

// StatusUnknown is the sentinel status for items whose board column could
// not be determined.
const StatusUnknown = "Unknown"

// WorkItem is a point-in-time snapshot of one tracked unit of work, built
// fresh every poll cycle. It is never mutated in place: any label-bearing
// decision taken from it may be stale by the time the action executes, so
// destructive mutations re-read live state first.
type WorkItem struct {
	ItemID       string   `json:"item_id"` // board-side item identifier
	BoardURL     string   `json:"board_url"`
	Number       int      `json:"number"` // ticket number in the repo
	Repo         Repo     `json:"repo"`
	Status       string   `json:"status"`
	Title        string   `json:"title"`
	Open         bool     `json:"open"`
	CloseReason  string   `json:"close_reason,omitempty"` // "completed", "not_planned", ...
	Merged       bool     `json:"merged"`                 // any linked change-set merged
	CommentCount int      `json:"comment_count"`
	Labels       []string `json:"labels"`
}

// Key returns the soft-lock key for this item: "owner/name#number".
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s#%d", w.Repo.Slug(), w.Number)
}

// HasLabel reports whether the cached label set contains name.
func (w WorkItem) HasLabel(name string) bool {
	for _, l := range w.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// ChangeSet describes the pull request linked to a work item.
type ChangeSet struct {
	Number int    `json:"number"`
	Merged bool   `json:"merged"`
	Branch string `json:"branch"`
	Head   string `json:"head"` // SHA of the latest commit
	Body   string `json:"body"`
}

// CheckRun is one CI check result on a commit.
type CheckRun struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Failed    bool   `json:"failed"`
}

// CloseReasonCompleted marks an item closed as genuinely done (as opposed
// to not_planned), which gates promotion to the terminal board status.
const CloseReasonCompleted = "completed"

// Client is the ticket/board collaborator contract. All methods take a
// context and return wrapped errors; transport-level failures are returned
// as *NetworkError so callers can classify them for retry/hibernation.
type Client interface {
	// FetchBoardItems returns a snapshot of every item on the board.
	FetchBoardItems(ctx context.Context, boardURL string) ([]WorkItem, error)

	// GetLabels reads the live label set for a ticket, bypassing any cache.
	GetLabels(ctx context.Context, repo Repo, number int) ([]string, error)
	AddLabel(ctx context.Context, repo Repo, number int, label string) error
	RemoveLabel(ctx context.Context, repo Repo, number int, label string) error

	// GetLabelActor returns the username that most recently applied label.
	GetLabelActor(ctx context.Context, repo Repo, number int, label string) (string, error)
	// GetStatusActor returns the username that last moved the item's board
	// status. Only meaningful when SupportsActorCheck reports true.
	GetStatusActor(ctx context.Context, item WorkItem) (string, error)

	UpdateStatus(ctx context.Context, item WorkItem, status string) error
	ArchiveItem(ctx context.Context, item WorkItem) error

	GetItemBody(ctx context.Context, repo Repo, number int) (string, error)
	UpdateItemBody(ctx context.Context, repo Repo, number int, body string) error

	// GetLinkedChangeSet returns the PR linked to the ticket, or nil when
	// none exists yet.
	GetLinkedChangeSet(ctx context.Context, repo Repo, number int) (*ChangeSet, error)
	CreateChangeSet(ctx context.Context, repo Repo, number int, branch, title, body string) error
	CommentOnChangeSet(ctx context.Context, repo Repo, number int, body string) error
	MarkReadyForReview(ctx context.Context, repo Repo, number int) error

	GetCheckRuns(ctx context.Context, repo Repo, sha string) ([]CheckRun, error)

	// ValidateConnection probes connectivity to a ticket host. A transport
	// failure comes back as *NetworkError; anything else (auth, config)
	// surfaces as an ordinary error.
	ValidateConnection(ctx context.Context, host string) error

	// Capability flags let the engine degrade gracefully on limited backends.
	SupportsActorCheck() bool
	SupportsSubIssues() bool
}
