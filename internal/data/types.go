package data

import "time"

// Task statuses. Terminal statuses are done, failed, and cancelled.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Task priorities, lowest to highest.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Task is a unit of tracked work. Subtasks reference their parent via
// ParentID; DependsOn lists task IDs that must complete first.
type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status"`
	Priority    string            `json:"priority"`
	Tags        []string          `json:"tags,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	DueDate     string            `json:"due_date,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Populated by GetTask only.
	History  []HistoryEntry `json:"history,omitempty"`
	Subtasks []*Task        `json:"subtasks,omitempty"`
}

// TaskUpdate carries field-wise changes for UpdateTask. Nil pointers
// leave the corresponding field untouched.
type TaskUpdate struct {
	Title       *string           `json:"title,omitempty"`
	Description *string           `json:"description,omitempty"`
	Status      *string           `json:"status,omitempty"`
	Priority    *string           `json:"priority,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	DueDate     *string           `json:"due_date,omitempty"`
	LastError   *string           `json:"last_error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HistoryEntry is one audit record for a task.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Status   string
	Priority string
	Tag      string
	ParentID string
	Limit    int
}

// TaskStats summarizes the task table for the status endpoint.
type TaskStats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByPriority     map[string]int `json:"by_priority"`
	Overdue        int            `json:"overdue"`
	CompletedToday int            `json:"completed_today"`
}

// Conversation is an indexed summary of a past conversation.
type Conversation struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Channel      string    `json:"channel,omitempty"`
	Summary      string    `json:"summary"`
	Topics       []string  `json:"topics,omitempty"`
	KeyFacts     []string  `json:"key_facts,omitempty"`
	MessageCount int       `json:"message_count"`
}

// Lesson is a recorded operational lesson the agent should apply.
type Lesson struct {
	ID           int64      `json:"id"`
	Lesson       string     `json:"lesson"`
	Category     string     `json:"category"`
	Severity     string     `json:"severity"`
	Source       string     `json:"source,omitempty"`
	AutoDetected bool       `json:"auto_detected"`
	CreatedAt    time.Time  `json:"created_at"`
	AppliedCount int        `json:"applied_count"`
	LastApplied  *time.Time `json:"last_applied,omitempty"`
}
