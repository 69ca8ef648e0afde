package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a map column stored as JSON text.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// JSONStrings is a string-slice column stored as JSON text.
type JSONStrings []string

func (s JSONStrings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *JSONStrings) Scan(src any) error {
	return scanJSON(src, s)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

// Project scopes sessions and tasks to one repository.
type Project struct {
	ID         string    `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	RepoPath   string    `db:"repo_path" json:"repo_path"`
	BaseBranch string    `db:"base_branch" json:"base_branch"`
	GithubURL  string    `db:"github_url" json:"github_url,omitempty"`
	IsOrphaned bool      `db:"is_orphaned" json:"is_orphaned"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Session statuses.
const (
	SessionActive       = "active"
	SessionHandoffReady = "handoff_ready"
	SessionExpired      = "expired"
)

// Session records one invocation of one CLI.
type Session struct {
	ID               string     `db:"id" json:"id"`
	ProjectID        string     `db:"project_id" json:"project_id"`
	Source           string     `db:"source" json:"source"`
	SeqNum           int        `db:"seq_num" json:"seq_num"`
	ParentSessionID  *string    `db:"parent_session_id" json:"parent_session_id,omitempty"`
	SpawnedByAgentID *string    `db:"spawned_by_agent_id" json:"spawned_by_agent_id,omitempty"`
	AgentDepth       int        `db:"agent_depth" json:"agent_depth"`
	Status           string     `db:"status" json:"status"`
	SummaryMarkdown  string     `db:"summary_markdown" json:"summary_markdown,omitempty"`
	TerminalContext  JSONMap    `db:"terminal_context" json:"terminal_context,omitempty"`
	MachineID        string     `db:"machine_id" json:"machine_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	EndedAt          *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskEscalated  = "escalated"
)

// Task types.
const (
	TypeBug     = "bug"
	TypeFeature = "feature"
	TypeTask    = "task"
	TypeEpic    = "epic"
	TypeChore   = "chore"
)

// Task is a unit of work with dependencies.
type Task struct {
	ID                  string      `db:"id" json:"id"`
	ProjectID           string      `db:"project_id" json:"project_id"`
	ParentTaskID        *string     `db:"parent_task_id" json:"parent_task_id,omitempty"`
	SeqNum              int         `db:"seq_num" json:"seq_num"`
	Title               string      `db:"title" json:"title"`
	Description         string      `db:"description" json:"description,omitempty"`
	Details             string      `db:"details" json:"details,omitempty"`
	TestStrategy        string      `db:"test_strategy" json:"test_strategy,omitempty"`
	Status              string      `db:"status" json:"status"`
	Priority            int         `db:"priority" json:"priority"`
	Type                string      `db:"type" json:"type"`
	Labels              JSONStrings `db:"labels" json:"labels"`
	ValidationCriteria  string      `db:"validation_criteria" json:"validation_criteria,omitempty"`
	ValidationFailCount int         `db:"validation_fail_count" json:"validation_fail_count"`
	ValidationStatus    string      `db:"validation_status" json:"validation_status,omitempty"`
	ValidationFeedback  string      `db:"validation_feedback" json:"validation_feedback,omitempty"`
	Commits             JSONStrings `db:"commits" json:"commits"`
	ClosedInSessionID   *string     `db:"closed_in_session_id" json:"closed_in_session_id,omitempty"`
	ClosedCommitSHA     string      `db:"closed_commit_sha" json:"closed_commit_sha,omitempty"`
	CreatedInSessionID  *string     `db:"created_in_session_id" json:"created_in_session_id,omitempty"`
	CompactedAt         *time.Time  `db:"compacted_at" json:"compacted_at,omitempty"`
	Summary             string      `db:"summary" json:"summary,omitempty"`
	ReviewAt            *time.Time  `db:"review_at" json:"review_at,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// Open reports whether the task can still accept work.
func (t *Task) Open() bool {
	return t.Status == TaskPending || t.Status == TaskInProgress
}

// Dependency edge types. Only DepBlocks participates in readiness and
// cycle checks.
const (
	DepBlocks         = "blocks"
	DepRelated        = "related"
	DepDiscoveredFrom = "discovered-from"
)

// Dependency is a typed edge between tasks: TaskID depends on DependsOn.
type Dependency struct {
	TaskID    string    `db:"task_id" json:"task_id"`
	DependsOn string    `db:"depends_on" json:"depends_on"`
	DepType   string    `db:"dep_type" json:"dep_type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WorkflowState is the per-session workflow runtime row.
type WorkflowState struct {
	SessionID        string     `db:"session_id" json:"session_id"`
	WorkflowName     string     `db:"workflow_name" json:"workflow_name"`
	WorkflowType     string     `db:"workflow_type" json:"workflow_type"`
	Definition       string     `db:"definition" json:"-"` // YAML snapshot, frozen at activation
	CurrentPhase     string     `db:"current_phase" json:"current_phase"`
	PhaseEnteredAt   *time.Time `db:"phase_entered_at" json:"phase_entered_at,omitempty"`
	PhaseActionCount int        `db:"phase_action_count" json:"phase_action_count"`
	TotalActionCount int        `db:"total_action_count" json:"total_action_count"`
	Variables        JSONMap    `db:"variables" json:"variables"`
	Artifacts        JSONMap    `db:"artifacts" json:"artifacts"`
	ApprovalPending  string     `db:"approval_pending" json:"approval_pending,omitempty"`
	ContextInjected  bool       `db:"context_injected" json:"context_injected"`
	Active           bool       `db:"active" json:"active"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Audit entry event types and results.
const (
	AuditToolCall   = "tool_call"
	AuditRuleEval   = "rule_eval"
	AuditTransition = "transition"
	AuditExitCheck  = "exit_check"
	AuditApproval   = "approval"
)

// AuditEntry is one append-only workflow engine decision.
type AuditEntry struct {
	ID        int64     `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Phase     string    `db:"phase" json:"phase"`
	EventType string    `db:"event_type" json:"event_type"`
	ToolName  string    `db:"tool_name" json:"tool_name,omitempty"`
	RuleID    string    `db:"rule_id" json:"rule_id,omitempty"`
	Condition string    `db:"condition" json:"condition,omitempty"`
	Result    string    `db:"result" json:"result"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	Context   JSONMap   `db:"context" json:"context,omitempty"`
}

// AgentRun statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunTimeout   = "timeout"
	RunError     = "error"
	RunCancelled = "cancelled"
	RunKilled    = "killed"
)

// AgentRun is the durable record of one spawned subagent.
type AgentRun struct {
	ID              string     `db:"id" json:"id"`
	ParentSessionID string     `db:"parent_session_id" json:"parent_session_id"`
	ChildSessionID  *string    `db:"child_session_id" json:"child_session_id,omitempty"`
	WorkflowName    string     `db:"workflow_name" json:"workflow_name,omitempty"`
	Provider        string     `db:"provider" json:"provider"`
	Model           string     `db:"model" json:"model,omitempty"`
	Status          string     `db:"status" json:"status"`
	Prompt          string     `db:"prompt" json:"prompt"`
	Isolation       string     `db:"isolation" json:"isolation"`
	Mode            string     `db:"mode" json:"mode"`
	WorktreeID      *string    `db:"worktree_id" json:"worktree_id,omitempty"`
	CloneID         *string    `db:"clone_id" json:"clone_id,omitempty"`
	TaskID          *string    `db:"task_id" json:"task_id,omitempty"`
	PID             int        `db:"pid" json:"pid,omitempty"`
	Result          JSONMap    `db:"result" json:"result,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Worktree statuses.
const (
	WorktreeActive    = "active"
	WorktreeStale     = "stale"
	WorktreeMerged    = "merged"
	WorktreeAbandoned = "abandoned"
)

// Worktree is a git worktree attached to the main repo.
type Worktree struct {
	ID             string    `db:"id" json:"id"`
	ProjectID      string    `db:"project_id" json:"project_id"`
	TaskID         *string   `db:"task_id" json:"task_id,omitempty"`
	BranchName     string    `db:"branch_name" json:"branch_name"`
	WorktreePath   string    `db:"worktree_path" json:"worktree_path"`
	BaseBranch     string    `db:"base_branch" json:"base_branch"`
	AgentSessionID *string   `db:"agent_session_id" json:"agent_session_id,omitempty"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Clone statuses.
const (
	CloneActive    = "active"
	CloneSynced    = "synced"
	CloneMerged    = "merged"
	CloneAbandoned = "abandoned"
)

// Clone is a shallow clone of the remote used for thread-safe isolation.
type Clone struct {
	ID             string     `db:"id" json:"id"`
	ProjectID      string     `db:"project_id" json:"project_id"`
	TaskID         *string    `db:"task_id" json:"task_id,omitempty"`
	BranchName     string     `db:"branch_name" json:"branch_name"`
	ClonePath      string     `db:"clone_path" json:"clone_path"`
	BaseBranch     string     `db:"base_branch" json:"base_branch"`
	RemoteURL      string     `db:"remote_url" json:"remote_url"`
	AgentSessionID *string    `db:"agent_session_id" json:"agent_session_id,omitempty"`
	Status         string     `db:"status" json:"status"`
	LastSyncAt     *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CleanupAfter   *time.Time `db:"cleanup_after" json:"cleanup_after,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Message priorities.
const (
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
)

// Message is one inter-session (parent <-> child agent) message.
type Message struct {
	ID          string     `db:"id" json:"id"`
	FromSession string     `db:"from_session" json:"from_session"`
	ToSession   string     `db:"to_session" json:"to_session"`
	Content     string     `db:"content" json:"content"`
	Priority    string     `db:"priority" json:"priority"`
	SentAt      time.Time  `db:"sent_at" json:"sent_at"`
	ReadAt      *time.Time `db:"read_at" json:"read_at,omitempty"`
}
