package backend

import (
	"encoding/json"
	"time"
)

// Build is one analysis run of a repository.
type Build struct {
	User       string    `json:"user,omitempty"`
	Repo       string    `json:"repo,omitempty"`
	No         int       `json:"no"`
	Score      int       `json:"score"`
	Time       time.Time `json:"time,omitempty"`
	CommitHash string    `json:"commitHash,omitempty"`
	Config     BuildCfg  `json:"config,omitempty"`
}

// BuildCfg is the analysis configuration a build ran with.
type BuildCfg struct {
	Repo         string   `json:"repo"`
	Path         string   `json:"path"`
	SkipDirs     []string `json:"skipDirs"`
	Linters      []string `json:"linters"`
	Vendor       bool     `json:"vendor"`
	Go           string   `json:"go"`
	IncludeTests bool     `json:"includeTests"`
}

// Report is the summary of a finished build. Only the score is interpreted;
// the rest of the document is kept verbatim in Raw.
type Report struct {
	Repo  string          `json:"repo"`
	No    int             `json:"no"`
	Score int             `json:"score"`
	Raw   json.RawMessage `json:"-"`
}

// Severity of a linter finding.
type Severity string

// Known severities.
const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Linter describes the tool that produced an issue.
type Linter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Issue is one finding reported for a build.
type Issue struct {
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Col      int      `json:"col"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Linter   *Linter  `json:"linter,omitempty"`
}

// Node is a file or directory in the analysed source tree.
type Node struct {
	Path       string   `json:"path"`
	ParentPath string   `json:"parentPath,omitempty"`
	Dir        bool     `json:"dir"`
	Content    []byte   `json:"content,omitempty"`
	Nodes      []Node   `json:"nodes,omitempty"`
	Issues     []*Issue `json:"issues,omitempty"`
	IssuesNo   int      `json:"issuesNo"`
	ErrorsNo   int      `json:"errorsNo"`
	WarningsNo int      `json:"warningsNo"`
	Coverage   float64  `json:"coverage"`
}

// IssueFilter pages and filters an issue listing. A zero Size means the
// backend default of 50.
type IssueFilter struct {
	Filter string
	Skip   int
	Size   int
}
