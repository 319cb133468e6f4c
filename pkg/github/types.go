package github

import "time"

// User is a GitHub account reference. Type is "Bot" for app-authored events.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type,omitempty"`
}

// Label is an issue or pull-request label.
type Label struct {
	Name string `json:"name"`
}

// Issue is the REST representation of an issue. ID is the numeric database
// id used by the sub-issue linking endpoint; Number is the per-repo number.
type Issue struct {
	ID        int64   `json:"id"`
	Number    int     `json:"number"`
	NodeID    string  `json:"node_id"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	State     string  `json:"state"`
	Labels    []Label `json:"labels"`
	Assignees []User  `json:"assignees"`
	User      *User   `json:"user,omitempty"`
}

// Comment is an issue or discussion comment.
type Comment struct {
	ID        int64     `json:"id"`
	NodeID    string    `json:"node_id"`
	Body      string    `json:"body"`
	User      *User     `json:"user,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref is one side of a pull request.
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest is the REST representation of a pull request.
type PullRequest struct {
	Number  int    `json:"number"`
	NodeID  string `json:"node_id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Draft   bool   `json:"draft"`
	Merged  bool   `json:"merged"`
	Head    Ref    `json:"head"`
	Base    Ref    `json:"base"`
	User    *User  `json:"user,omitempty"`
	HTMLURL string `json:"html_url,omitempty"`
}

// NewIssue is the payload for issue creation.
type NewIssue struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

// IssueUpdate is a partial issue edit; nil fields are left unchanged.
type IssueUpdate struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
	State *string `json:"state,omitempty"`
}

// NewPullRequest is the payload for pull-request creation.
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft"`
}

// ProjectRef identifies a Projects V2 board by its owner and number.
type ProjectRef struct {
	Owner  string
	Number int
}
