package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeFormat is the canonical timestamp encoding in the database.
const timeFormat = time.RFC3339

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ═══════════════════════════════════════════════════════════════════════════════
// TASK OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateTask inserts a new task and records a "created" history entry.
// A missing ID is generated as task_<uuid>; missing status and priority
// fall back to todo/medium.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.Title == "" {
		return fmt.Errorf("task title cannot be empty")
	}
	if task.ID == "" {
		task.ID = "task_" + uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusTodo
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}

	tagsJSON, err := json.Marshal(orEmpty(task.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	dependsJSON, err := json.Marshal(orEmpty(task.DependsOn))
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	metaJSON, err := json.Marshal(orEmptyMap(task.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	ts := now()
	task.CreatedAt = parseTime(ts)
	task.UpdatedAt = task.CreatedAt

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, description, status, priority,
				tags, parent_id, depends_on, due_date,
				created_at, updated_at, retry_count, max_retries, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			task.ID, task.Title, task.Description, task.Status, task.Priority,
			string(tagsJSON), nullString(task.ParentID), string(dependsJSON), nullString(task.DueDate),
			ts, ts, task.RetryCount, task.MaxRetries, string(metaJSON),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		return recordHistory(ctx, tx, task.ID, "created", "", task.Title, ts)
	})
}

// GetTask retrieves a task by ID including its history and subtasks.
// Returns ErrNotFound if no task has that ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.getTaskRow(ctx, id)
	if err != nil {
		return nil, err
	}

	history, err := s.taskHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	task.History = history

	subtasks, err := s.ListTasks(ctx, TaskFilter{ParentID: id})
	if err != nil {
		return nil, err
	}
	task.Subtasks = subtasks

	return task, nil
}

// getTaskRow reads a single task row without history or subtasks.
func (s *Store) getTaskRow(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority,
		       tags, parent_id, depends_on, due_date,
		       created_at, updated_at, completed_at,
		       retry_count, max_retries, last_error, metadata
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// UpdateTask applies field-wise changes and writes one history entry
// per changed field. Transitioning into a terminal status sets
// completed_at; leaving one clears it.
func (s *Store) UpdateTask(ctx context.Context, id string, update *TaskUpdate) (*Task, error) {
	current, err := s.getTaskRow(ctx, id)
	if err != nil {
		return nil, err
	}

	type change struct {
		column   string
		action   string
		oldValue string
		newValue string
		value    interface{}
	}
	var changes []change

	if update.Title != nil && *update.Title != current.Title {
		changes = append(changes, change{"title", "title_changed", current.Title, *update.Title, *update.Title})
	}
	if update.Description != nil && *update.Description != current.Description {
		changes = append(changes, change{"description", "description_changed", current.Description, *update.Description, *update.Description})
	}
	if update.Status != nil && *update.Status != current.Status {
		if !validStatus(*update.Status) {
			return nil, fmt.Errorf("invalid status %q", *update.Status)
		}
		changes = append(changes, change{"status", "status_changed", current.Status, *update.Status, *update.Status})
	}
	if update.Priority != nil && *update.Priority != current.Priority {
		if !validPriority(*update.Priority) {
			return nil, fmt.Errorf("invalid priority %q", *update.Priority)
		}
		changes = append(changes, change{"priority", "priority_changed", current.Priority, *update.Priority, *update.Priority})
	}
	if update.Tags != nil {
		tagsJSON, err := json.Marshal(update.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		oldJSON, _ := json.Marshal(orEmpty(current.Tags))
		if string(tagsJSON) != string(oldJSON) {
			changes = append(changes, change{"tags", "tags_changed", string(oldJSON), string(tagsJSON), string(tagsJSON)})
		}
	}
	if update.DueDate != nil && *update.DueDate != current.DueDate {
		changes = append(changes, change{"due_date", "due_date_changed", current.DueDate, *update.DueDate, nullString(*update.DueDate)})
	}
	if update.LastError != nil && *update.LastError != current.LastError {
		changes = append(changes, change{"last_error", "error_recorded", current.LastError, *update.LastError, *update.LastError})
	}
	if update.Metadata != nil {
		metaJSON, err := json.Marshal(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		oldJSON, _ := json.Marshal(orEmptyMap(current.Metadata))
		if string(metaJSON) != string(oldJSON) {
			changes = append(changes, change{"metadata", "metadata_changed", string(oldJSON), string(metaJSON), string(metaJSON)})
		}
	}

	if len(changes) == 0 {
		return current, nil
	}

	ts := now()
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var sets []string
		var args []interface{}
		for _, c := range changes {
			sets = append(sets, c.column+" = ?")
			args = append(args, c.value)
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, ts)

		// Terminal statuses carry a completion timestamp.
		if update.Status != nil && *update.Status != current.Status {
			if isTerminal(*update.Status) {
				sets = append(sets, "completed_at = ?")
				args = append(args, ts)
			} else if isTerminal(current.Status) {
				sets = append(sets, "completed_at = NULL")
			}
		}

		args = append(args, id)
		query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		for _, c := range changes {
			if err := recordHistory(ctx, tx, id, c.action, c.oldValue, c.newValue, ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.getTaskRow(ctx, id)
}

// ListTasks returns tasks matching the filter, ordered by priority
// (critical first) then creation time descending.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `
		SELECT id, title, description, status, priority,
		       tags, parent_id, depends_on, due_date,
		       created_at, updated_at, completed_at,
		       retry_count, max_retries, last_error, metadata
		FROM tasks WHERE 1=1
	`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		query += " AND priority = ?"
		args = append(args, filter.Priority)
	}
	if filter.Tag != "" {
		query += " AND tags LIKE ?"
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if filter.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, filter.ParentID)
	}

	query += `
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
		END, created_at DESC
	`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and its history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM task_history WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete task history: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// RetryTask moves a failed task back to todo, incrementing its retry
// counter. Fails once retry_count reaches max_retries.
func (s *Store) RetryTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.getTaskRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusFailed {
		return nil, fmt.Errorf("task %s is %s, only failed tasks can be retried", id, task.Status)
	}
	if task.RetryCount >= task.MaxRetries {
		return nil, fmt.Errorf("task %s exhausted retries (%d/%d)", id, task.RetryCount, task.MaxRetries)
	}

	ts := now()
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retry_count = retry_count + 1,
			    completed_at = NULL, updated_at = ?
			WHERE id = ?
		`, StatusTodo, ts, id)
		if err != nil {
			return fmt.Errorf("retry task: %w", err)
		}
		return recordHistory(ctx, tx, id, "retried",
			StatusFailed, fmt.Sprintf("todo (attempt %d/%d)", task.RetryCount+1, task.MaxRetries), ts)
	})
	if err != nil {
		return nil, err
	}
	return s.getTaskRow(ctx, id)
}

// Stats summarizes the task table.
func (s *Store) Stats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, priority, COUNT(*) FROM tasks GROUP BY status, priority")
	if err != nil {
		return nil, fmt.Errorf("query task stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, priority string
		var count int
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByPriority[priority] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE due_date IS NOT NULL AND due_date < ?
		  AND status NOT IN ('done', 'cancelled')
	`, now()).Scan(&stats.Overdue)
	if err != nil {
		return nil, fmt.Errorf("count overdue: %w", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = 'done' AND completed_at LIKE ?
	`, today+"%").Scan(&stats.CompletedToday)
	if err != nil {
		return nil, fmt.Errorf("count completed today: %w", err)
	}

	return stats, nil
}

// taskHistory returns audit entries for a task, oldest first.
func (s *Store) taskHistory(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, old_value, new_value, timestamp
		FROM task_history WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var oldVal, newVal sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Action, &oldVal, &newVal, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.OldValue = oldVal.String
		e.NewValue = newVal.String
		e.Timestamp = parseTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func recordHistory(ctx context.Context, tx *sql.Tx, taskID, action, oldValue, newValue, ts string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_history (task_id, action, old_value, new_value, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, action, nullString(oldValue), nullString(newValue), ts)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// LogConversation indexes a conversation summary.
func (s *Store) LogConversation(ctx context.Context, conv *Conversation) error {
	if conv.Summary == "" {
		return fmt.Errorf("conversation summary cannot be empty")
	}

	topicsJSON, err := json.Marshal(orEmpty(conv.Topics))
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	factsJSON, err := json.Marshal(orEmpty(conv.KeyFacts))
	if err != nil {
		return fmt.Errorf("marshal key facts: %w", err)
	}

	ts := now()
	if !conv.Timestamp.IsZero() {
		ts = conv.Timestamp.UTC().Format(timeFormat)
	}
	conv.Timestamp = parseTime(ts)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (timestamp, channel, summary, topics, key_facts, message_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ts, conv.Channel, conv.Summary, string(topicsJSON), string(factsJSON), conv.MessageCount)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	conv.ID, _ = res.LastInsertId()
	return nil
}

// SearchConversations matches the query against summaries, topics, and
// key facts, newest first.
func (s *Store) SearchConversations(ctx context.Context, query string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, channel, summary, topics, key_facts, message_count
		FROM conversations
		WHERE summary LIKE ? OR topics LIKE ? OR key_facts LIKE ?
		ORDER BY timestamp DESC LIMIT ?
	`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()

	return scanConversations(rows)
}

// RecentConversations returns the most recent conversation summaries.
func (s *Store) RecentConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, channel, summary, topics, key_facts, message_count
		FROM conversations ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]*Conversation, error) {
	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		var ts, topicsJSON, factsJSON string
		if err := rows.Scan(&c.ID, &ts, &c.Channel, &c.Summary, &topicsJSON, &factsJSON, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(topicsJSON), &c.Topics); err != nil {
			return nil, fmt.Errorf("unmarshal topics: %w", err)
		}
		if err := json.Unmarshal([]byte(factsJSON), &c.KeyFacts); err != nil {
			return nil, fmt.Errorf("unmarshal key facts: %w", err)
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// LESSON OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// AddLesson records a lesson learned.
func (s *Store) AddLesson(ctx context.Context, lesson *Lesson) error {
	if lesson.Lesson == "" {
		return fmt.Errorf("lesson text cannot be empty")
	}
	if lesson.Category == "" {
		lesson.Category = "general"
	}
	if lesson.Severity == "" {
		lesson.Severity = "info"
	}

	ts := now()
	lesson.CreatedAt = parseTime(ts)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (lesson, category, severity, source, auto_detected, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, lesson.Lesson, lesson.Category, lesson.Severity, lesson.Source, boolToInt(lesson.AutoDetected), ts)
	if err != nil {
		return fmt.Errorf("insert lesson: %w", err)
	}

	lesson.ID, _ = res.LastInsertId()
	return nil
}

// ListLessons returns lessons, newest first, optionally filtered by
// category.
func (s *Store) ListLessons(ctx context.Context, category string, limit int) ([]*Lesson, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, lesson, category, severity, source, auto_detected,
		       created_at, applied_count, last_applied
		FROM lessons
	`
	var args []interface{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lessons: %w", err)
	}
	defer rows.Close()

	var lessons []*Lesson
	for rows.Next() {
		var l Lesson
		var autoDetected int
		var createdAt string
		var lastApplied sql.NullString
		if err := rows.Scan(&l.ID, &l.Lesson, &l.Category, &l.Severity, &l.Source,
			&autoDetected, &createdAt, &l.AppliedCount, &lastApplied); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		l.AutoDetected = autoDetected != 0
		l.CreatedAt = parseTime(createdAt)
		if lastApplied.Valid {
			t := parseTime(lastApplied.String)
			l.LastApplied = &t
		}
		lessons = append(lessons, &l)
	}
	return lessons, rows.Err()
}

// MarkLessonApplied increments a lesson's applied counter.
func (s *Store) MarkLessonApplied(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lessons SET applied_count = applied_count + 1, last_applied = ?
		WHERE id = ?
	`, now(), id)
	if err != nil {
		return fmt.Errorf("mark lesson applied: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("lesson %d: %w", id, ErrNotFound)
	}
	return nil
}

// Counts returns table row counts for the status endpoint.
func (s *Store) Counts(ctx context.Context) (tasks, conversations, lessons int, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&tasks); err != nil {
		return 0, 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&conversations); err != nil {
		return 0, 0, 0, fmt.Errorf("count conversations: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lessons").Scan(&lessons); err != nil {
		return 0, 0, 0, fmt.Errorf("count lessons: %w", err)
	}
	return tasks, conversations, lessons, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var parentID, dueDate, completedAt, lastError sql.NullString
	var tagsJSON, dependsJSON, metaJSON, createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&tagsJSON, &parentID, &dependsJSON, &dueDate,
		&createdAt, &updatedAt, &completedAt,
		&t.RetryCount, &t.MaxRetries, &lastError, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsJSON), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	t.ParentID = parentID.String
	t.DueDate = dueDate.String
	t.LastError = lastError.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		ct := parseTime(completedAt.String)
		t.CompletedAt = &ct
	}
	return &t, nil
}

func validStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func isTerminal(status string) bool {
	switch status {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// nullString converts empty strings to NULL for storage.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
