package board

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// CLIClient implements Client by shelling out to the gh CLI tool.
//
// Project (board) metadata — the project node ID, the Status field ID and
// its option IDs — is fetched once per board URL and cached for the life of
// the client; item status mutations need those IDs.
type CLIClient struct {
	runner CommandRunner

	mu   sync.Mutex
	meta map[string]*boardMeta // board URL -> cached metadata
}

// NewCLIClient creates a CLIClient backed by the given CommandRunner.
func NewCLIClient(runner CommandRunner) *CLIClient {
	return &CLIClient{
		runner: runner,
		meta:   make(map[string]*boardMeta),
	}
}

// boardMeta holds the project identifiers needed for item mutations.
type boardMeta struct {
	Owner         string
	ProjectNumber int
	ProjectID     string
	StatusFieldID string
	StatusOptions map[string]string // option name -> option ID
}

// parseBoardURL extracts the owner login and project number from a board
// URL such as https://github.com/orgs/acme/projects/7 or
// https://github.com/users/jdoe/projects/3.
func parseBoardURL(boardURL string) (owner string, number int, err error) {
	u, err := url.Parse(boardURL)
	if err != nil {
		return "", 0, fmt.Errorf("parse board URL %s: %w", boardURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// orgs/<owner>/projects/<n> or users/<owner>/projects/<n>
	if len(parts) < 4 || parts[2] != "projects" {
		return "", 0, fmt.Errorf("unrecognized board URL %s", boardURL)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", 0, fmt.Errorf("board URL %s: bad project number: %w", boardURL, err)
	}
	return parts[1], n, nil
}

// itemsQuery fetches every board item with the issue fields the engine
// snapshots, in a single GraphQL round trip per page.
const itemsQuery = `
query($owner: String!, $number: Int!, $cursor: String) {
  organization(login: $owner) {
    projectV2(number: $number) {
      items(first: 100, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            ... on Issue {
              number
              title
              state
              stateReason
              comments { totalCount }
              labels(first: 50) { nodes { name } }
              repository { name owner { login } }
              closedByPullRequestsReferences(first: 10) { nodes { merged } }
            }
          }
        }
      }
    }
  }
}`

// graphql response shapes for itemsQuery.
type itemsResponse struct {
	Data struct {
		Organization struct {
			ProjectV2 struct {
				Items struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []itemNode `json:"nodes"`
				} `json:"items"`
			} `json:"projectV2"`
		} `json:"organization"`
	} `json:"data"`
}

type itemNode struct {
	ID               string `json:"id"`
	FieldValueByName *struct {
		Name string `json:"name"`
	} `json:"fieldValueByName"`
	Content *struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		State       string `json:"state"`
		StateReason string `json:"stateReason"`
		Comments    struct {
			TotalCount int `json:"totalCount"`
		} `json:"comments"`
		Labels struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"labels"`
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
		ClosedByPullRequestsReferences struct {
			Nodes []struct {
				Merged bool `json:"merged"`
			} `json:"nodes"`
		} `json:"closedByPullRequestsReferences"`
	} `json:"content"`
}

// FetchBoardItems returns a snapshot of every issue-backed item on the board.
// Draft items and PR items are skipped: the pipeline tracks issues only.
func (c *CLIClient) FetchBoardItems(ctx context.Context, boardURL string) ([]WorkItem, error) {
	owner, number, err := parseBoardURL(boardURL)
	if err != nil {
		return nil, err
	}
	host := hostOf(boardURL)

	var items []WorkItem
	cursor := ""
	for {
		args := []string{
			"api", "graphql",
			"-f", "query=" + itemsQuery,
			"-f", "owner=" + owner,
			"-F", "number=" + strconv.Itoa(number),
		}
		if cursor != "" {
			args = append(args, "-f", "cursor="+cursor)
		}
		out, err := c.runner.Run(ctx, "gh", args...)
		if err != nil {
			return nil, classify("fetch board items", err)
		}

		var resp itemsResponse
		if err := json.Unmarshal(out, &resp); err != nil {
			return nil, fmt.Errorf("parse board items: %w", err)
		}

		page := resp.Data.Organization.ProjectV2.Items
		for _, node := range page.Nodes {
			if node.Content == nil || node.Content.Number == 0 {
				continue // draft or non-issue item
			}
			items = append(items, itemFromNode(boardURL, host, node))
		}
		if !page.PageInfo.HasNextPage {
			break
		}
		cursor = page.PageInfo.EndCursor
	}
	return items, nil
}

// itemFromNode converts one GraphQL item node into a WorkItem snapshot.
func itemFromNode(boardURL, host string, node itemNode) WorkItem {
	c := node.Content
	status := StatusUnknown
	if node.FieldValueByName != nil && node.FieldValueByName.Name != "" {
		status = node.FieldValueByName.Name
	}
	labels := make([]string, 0, len(c.Labels.Nodes))
	for _, l := range c.Labels.Nodes {
		labels = append(labels, l.Name)
	}
	merged := false
	for _, pr := range c.ClosedByPullRequestsReferences.Nodes {
		if pr.Merged {
			merged = true
			break
		}
	}
	return WorkItem{
		ItemID:   node.ID,
		BoardURL: boardURL,
		Number:   c.Number,
		Repo: Repo{
			Host:  host,
			Owner: c.Repository.Owner.Login,
			Name:  c.Repository.Name,
		},
		Status:       status,
		Title:        c.Title,
		Open:         strings.EqualFold(c.State, "open"),
		CloseReason:  strings.ToLower(c.StateReason),
		Merged:       merged,
		CommentCount: c.Comments.TotalCount,
		Labels:       labels,
	}
}

// hostOf extracts the hostname from a board URL, defaulting to github.com.
func hostOf(boardURL string) string {
	u, err := url.Parse(boardURL)
	if err != nil || u.Host == "" {
		return "github.com"
	}
	return u.Host
}

// GetLabels reads the live label set for a ticket, bypassing any cache.
func (c *CLIClient) GetLabels(ctx context.Context, repo Repo, number int) ([]string, error) {
	out, err := c.runner.Run(ctx, "gh", "api",
		fmt.Sprintf("repos/%s/issues/%d/labels", repo.Slug(), number))
	if err != nil {
		return nil, classify("get labels", err)
	}
	var raw []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	labels := make([]string, 0, len(raw))
	for _, l := range raw {
		labels = append(labels, l.Name)
	}
	return labels, nil
}

// AddLabel applies a label to a ticket.
func (c *CLIClient) AddLabel(ctx context.Context, repo Repo, number int, label string) error {
	_, err := c.runner.Run(ctx, "gh", "issue", "edit", strconv.Itoa(number),
		"--repo", repo.Slug(), "--add-label", label)
	return classify("add label "+label, err)
}

// RemoveLabel retracts a label from a ticket.
func (c *CLIClient) RemoveLabel(ctx context.Context, repo Repo, number int, label string) error {
	_, err := c.runner.Run(ctx, "gh", "issue", "edit", strconv.Itoa(number),
		"--repo", repo.Slug(), "--remove-label", label)
	return classify("remove label "+label, err)
}

// GetLabelActor returns the username that most recently applied label, by
// scanning the issue timeline for "labeled" events.
func (c *CLIClient) GetLabelActor(ctx context.Context, repo Repo, number int, label string) (string, error) {
	out, err := c.runner.Run(ctx, "gh", "api",
		fmt.Sprintf("repos/%s/issues/%d/timeline?per_page=100", repo.Slug(), number))
	if err != nil {
		return "", classify("get label actor", err)
	}
	var events []struct {
		Event string `json:"event"`
		Actor struct {
			Login string `json:"login"`
		} `json:"actor"`
		Label struct {
			Name string `json:"name"`
		} `json:"label"`
	}
	if err := json.Unmarshal(out, &events); err != nil {
		return "", fmt.Errorf("parse timeline: %w", err)
	}
	actor := ""
	for _, ev := range events {
		if ev.Event == "labeled" && ev.Label.Name == label {
			actor = ev.Actor.Login
		}
	}
	if actor == "" {
		return "", fmt.Errorf("no labeled event for %q on %s#%d", label, repo.Slug(), number)
	}
	return actor, nil
}

// GetStatusActor is unsupported on the gh backend: Projects v2 does not
// expose who changed a single-select field. SupportsActorCheck reports
// false so the engine takes its documented relaxation path.
func (c *CLIClient) GetStatusActor(_ context.Context, item WorkItem) (string, error) {
	return "", fmt.Errorf("status actor lookup unsupported for %s", item.Key())
}

// UpdateStatus moves the item to a named board column.
func (c *CLIClient) UpdateStatus(ctx context.Context, item WorkItem, status string) error {
	meta, err := c.boardMetaFor(ctx, item.BoardURL)
	if err != nil {
		return err
	}
	optionID, ok := meta.StatusOptions[status]
	if !ok {
		return fmt.Errorf("board %s has no status option %q", item.BoardURL, status)
	}
	_, err = c.runner.Run(ctx, "gh", "project", "item-edit",
		"--id", item.ItemID,
		"--project-id", meta.ProjectID,
		"--field-id", meta.StatusFieldID,
		"--single-select-option-id", optionID)
	return classify("update status to "+status, err)
}

// ArchiveItem archives the item on its board.
func (c *CLIClient) ArchiveItem(ctx context.Context, item WorkItem) error {
	meta, err := c.boardMetaFor(ctx, item.BoardURL)
	if err != nil {
		return err
	}
	_, err = c.runner.Run(ctx, "gh", "project", "item-archive",
		strconv.Itoa(meta.ProjectNumber),
		"--owner", meta.Owner,
		"--id", item.ItemID)
	return classify("archive item", err)
}

// boardMetaFor returns cached project metadata for a board, fetching it on
// first use.
func (c *CLIClient) boardMetaFor(ctx context.Context, boardURL string) (*boardMeta, error) {
	c.mu.Lock()
	meta, ok := c.meta[boardURL]
	c.mu.Unlock()
	if ok {
		return meta, nil
	}

	owner, number, err := parseBoardURL(boardURL)
	if err != nil {
		return nil, err
	}

	// Project node ID.
	out, err := c.runner.Run(ctx, "gh", "project", "view", strconv.Itoa(number),
		"--owner", owner, "--format", "json")
	if err != nil {
		return nil, classify("fetch project metadata", err)
	}
	var proj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &proj); err != nil {
		return nil, fmt.Errorf("parse project metadata: %w", err)
	}

	// Status field and its single-select options.
	out, err = c.runner.Run(ctx, "gh", "project", "field-list", strconv.Itoa(number),
		"--owner", owner, "--format", "json")
	if err != nil {
		return nil, classify("fetch project fields", err)
	}
	var fields struct {
		Fields []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Options []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"options"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(out, &fields); err != nil {
		return nil, fmt.Errorf("parse project fields: %w", err)
	}

	meta = &boardMeta{
		Owner:         owner,
		ProjectNumber: number,
		ProjectID:     proj.ID,
		StatusOptions: make(map[string]string),
	}
	for _, f := range fields.Fields {
		if f.Name != "Status" {
			continue
		}
		meta.StatusFieldID = f.ID
		for _, opt := range f.Options {
			meta.StatusOptions[opt.Name] = opt.ID
		}
	}
	if meta.StatusFieldID == "" {
		return nil, fmt.Errorf("board %s has no Status field", boardURL)
	}

	c.mu.Lock()
	c.meta[boardURL] = meta
	c.mu.Unlock()
	return meta, nil
}

// GetItemBody returns the ticket body.
func (c *CLIClient) GetItemBody(ctx context.Context, repo Repo, number int) (string, error) {
	out, err := c.runner.Run(ctx, "gh", "issue", "view", strconv.Itoa(number),
		"--repo", repo.Slug(), "--json", "body")
	if err != nil {
		return "", classify("get item body", err)
	}
	var resp struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("parse item body: %w", err)
	}
	return resp.Body, nil
}

// UpdateItemBody replaces the ticket body.
func (c *CLIClient) UpdateItemBody(ctx context.Context, repo Repo, number int, body string) error {
	_, err := c.runner.Run(ctx, "gh", "issue", "edit", strconv.Itoa(number),
		"--repo", repo.Slug(), "--body", body)
	return classify("update item body", err)
}

// GetLinkedChangeSet returns the PR on the item's pipeline branch, or nil
// when none exists yet. Pipeline branches follow the loom/<number> naming
// convention, which makes the lookup deterministic.
func (c *CLIClient) GetLinkedChangeSet(ctx context.Context, repo Repo, number int) (*ChangeSet, error) {
	out, err := c.runner.Run(ctx, "gh", "pr", "list",
		"--repo", repo.Slug(),
		"--head", BranchForTicket(number),
		"--state", "all",
		"--limit", "1",
		"--json", "number,mergedAt,headRefName,headRefOid,body")
	if err != nil {
		return nil, classify("get linked change set", err)
	}
	var prs []struct {
		Number      int    `json:"number"`
		MergedAt    string `json:"mergedAt"`
		HeadRefName string `json:"headRefName"`
		HeadRefOid  string `json:"headRefOid"`
		Body        string `json:"body"`
	}
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("parse pr list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	pr := prs[0]
	return &ChangeSet{
		Number: pr.Number,
		Merged: pr.MergedAt != "",
		Branch: pr.HeadRefName,
		Head:   pr.HeadRefOid,
		Body:   pr.Body,
	}, nil
}

// BranchForTicket returns the pipeline branch name for a ticket number.
func BranchForTicket(number int) string {
	return fmt.Sprintf("loom/%d", number)
}

// CreateChangeSet creates the pipeline branch as an empty commit on top of
// the default branch head, then opens a draft PR from it. All steps go
// through the REST API so no local checkout is required.
func (c *CLIClient) CreateChangeSet(ctx context.Context, repo Repo, number int, branch, title, body string) error {
	slug := repo.Slug()

	out, err := c.runner.Run(ctx, "gh", "api", "repos/"+slug, "--jq", ".default_branch")
	if err != nil {
		return classify("get default branch", err)
	}
	defaultBranch := strings.TrimSpace(string(out))

	out, err = c.runner.Run(ctx, "gh", "api",
		fmt.Sprintf("repos/%s/git/ref/heads/%s", slug, defaultBranch),
		"--jq", ".object.sha")
	if err != nil {
		return classify("get base sha", err)
	}
	baseSHA := strings.TrimSpace(string(out))

	out, err = c.runner.Run(ctx, "gh", "api",
		fmt.Sprintf("repos/%s/git/commits/%s", slug, baseSHA),
		"--jq", ".tree.sha")
	if err != nil {
		return classify("get base tree", err)
	}
	treeSHA := strings.TrimSpace(string(out))

	// Empty commit: same tree as the parent, new message.
	out, err = c.runner.Run(ctx, "gh", "api", "-X", "POST",
		fmt.Sprintf("repos/%s/git/commits", slug),
		"-f", fmt.Sprintf("message=loom: start work on #%d", number),
		"-f", "tree="+treeSHA,
		"-f", "parents[]="+baseSHA,
		"--jq", ".sha")
	if err != nil {
		return classify("create empty commit", err)
	}
	commitSHA := strings.TrimSpace(string(out))

	_, err = c.runner.Run(ctx, "gh", "api", "-X", "POST",
		fmt.Sprintf("repos/%s/git/refs", slug),
		"-f", "ref=refs/heads/"+branch,
		"-f", "sha="+commitSHA)
	if err != nil {
		return classify("create branch", err)
	}

	_, err = c.runner.Run(ctx, "gh", "pr", "create",
		"--repo", slug,
		"--head", branch,
		"--base", defaultBranch,
		"--title", title,
		"--body", body,
		"--draft")
	return classify("create change set", err)
}

// CommentOnChangeSet posts a comment on the linked PR.
func (c *CLIClient) CommentOnChangeSet(ctx context.Context, repo Repo, number int, body string) error {
	_, err := c.runner.Run(ctx, "gh", "pr", "comment", strconv.Itoa(number),
		"--repo", repo.Slug(), "--body", body)
	return classify("comment on change set", err)
}

// MarkReadyForReview flips the linked PR out of draft state.
func (c *CLIClient) MarkReadyForReview(ctx context.Context, repo Repo, number int) error {
	_, err := c.runner.Run(ctx, "gh", "pr", "ready", strconv.Itoa(number),
		"--repo", repo.Slug())
	return classify("mark ready for review", err)
}

// GetCheckRuns returns the CI check results for a commit.
func (c *CLIClient) GetCheckRuns(ctx context.Context, repo Repo, sha string) ([]CheckRun, error) {
	out, err := c.runner.Run(ctx, "gh", "api",
		fmt.Sprintf("repos/%s/commits/%s/check-runs?per_page=100", repo.Slug(), sha))
	if err != nil {
		return nil, classify("get check runs", err)
	}
	var resp struct {
		CheckRuns []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("parse check runs: %w", err)
	}
	runs := make([]CheckRun, 0, len(resp.CheckRuns))
	for _, cr := range resp.CheckRuns {
		runs = append(runs, CheckRun{
			Name:      cr.Name,
			Completed: cr.Status == "completed",
			Failed:    isFailedConclusion(cr.Conclusion),
		})
	}
	return runs, nil
}

// isFailedConclusion reports whether a check-run conclusion counts as a
// failure for validation purposes.
func isFailedConclusion(conclusion string) bool {
	switch conclusion {
	case "failure", "timed_out", "cancelled", "action_required":
		return true
	default:
		return false
	}
}

// ValidateConnection probes connectivity to a ticket host with a cheap
// authenticated API call.
func (c *CLIClient) ValidateConnection(ctx context.Context, host string) error {
	_, err := c.runner.Run(ctx, "gh", "api", "--hostname", host, "rate_limit")
	return classify("validate connection to "+host, err)
}

// SupportsActorCheck reports false: the gh backend cannot attribute board
// status changes to a user.
func (c *CLIClient) SupportsActorCheck() bool { return false }

// SupportsSubIssues reports true: sub-issue checklists are plain markdown
// task lists, which the backend round-trips faithfully.
func (c *CLIClient) SupportsSubIssues() bool { return true }
