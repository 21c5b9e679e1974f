package sync

import "github.com/mschirtzinger/deltarepo/internal/delta/schema"

// Role is the part a repo plays in the replication graph.
type Role string

const (
	RoleMaster Role = "master"
	RoleMirror Role = "mirror"
)

// Stats is a point-in-time summary of a repo, used by status output and
// the dashboard.
type Stats struct {
	Repo       schema.RepoPk `json:"repo" yaml:"repo"`
	Role       Role          `json:"role" yaml:"role"`
	Live       int           `json:"live" yaml:"live"`
	Tombstones int           `json:"tombstones" yaml:"tombstones"`

	Dirty  int `json:"dirty" yaml:"dirty"`
	Pushed int `json:"pushed" yaml:"pushed"`
	Pulled int `json:"pulled" yaml:"pulled"`

	// Master bookkeeping
	DeleteCount  int64 `json:"delete_count" yaml:"delete_count"`
	Watermark    int64 `json:"watermark" yaml:"watermark"`
	LastSequence int64 `json:"last_sequence,omitempty" yaml:"last_sequence,omitempty"`

	// Mirror pull progress, per remote
	Pull PullStates `json:"pull,omitempty" yaml:"pull,omitempty"`
}
