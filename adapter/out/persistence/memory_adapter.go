package persistence

import (
	"context"
	"database/sql"
	"time"

	"triage_server/core/domain"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// MemoryAdapter persists extracted tasks, decisions and questions.
// ReplaceForEmail runs in one transaction: delete the email's old items,
// insert the new set. Reprocessing therefore never duplicates items.
type MemoryAdapter struct {
	db *sqlx.DB
}

func NewMemoryAdapter(db *sqlx.DB) *MemoryAdapter {
	return &MemoryAdapter{db: db}
}

type taskEntity struct {
	ID            int64          `db:"id"`
	AccountID     string         `db:"account_id"`
	EmailID       string         `db:"email_id"`
	ExtractionID  string         `db:"extraction_id"`
	Description   string         `db:"description"`
	Deadline      sql.NullTime   `db:"deadline"`
	Priority      string         `db:"priority"`
	Assignee      sql.NullString `db:"assignee"`
	SourceContext string         `db:"source_context"`
	Status        string         `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (e *taskEntity) toDomain() domain.Task {
	task := domain.Task{
		ID:            e.ID,
		AccountID:     e.AccountID,
		EmailID:       e.EmailID,
		ExtractionID:  e.ExtractionID,
		Description:   e.Description,
		Priority:      domain.TaskPriority(e.Priority),
		SourceContext: e.SourceContext,
		Status:        domain.TaskStatus(e.Status),
		CreatedAt:     e.CreatedAt,
		Deadline:      timePtr(e.Deadline),
	}
	if e.Assignee.Valid {
		task.Assignee = e.Assignee.String
	}
	return task
}

type decisionEntity struct {
	ID              int64          `db:"id"`
	AccountID       string         `db:"account_id"`
	EmailID         string         `db:"email_id"`
	ExtractionID    string         `db:"extraction_id"`
	Question        string         `db:"question"`
	Options         pq.StringArray `db:"options"`
	Deadline        sql.NullTime   `db:"deadline"`
	RequiresMyInput bool           `db:"requires_my_input"`
	SourceContext   string         `db:"source_context"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (e *decisionEntity) toDomain() domain.Decision {
	return domain.Decision{
		ID:              e.ID,
		AccountID:       e.AccountID,
		EmailID:         e.EmailID,
		ExtractionID:    e.ExtractionID,
		Question:        e.Question,
		Options:         []string(e.Options),
		Deadline:        timePtr(e.Deadline),
		RequiresMyInput: e.RequiresMyInput,
		SourceContext:   e.SourceContext,
		CreatedAt:       e.CreatedAt,
	}
}

type questionEntity struct {
	ID               int64     `db:"id"`
	AccountID        string    `db:"account_id"`
	EmailID          string    `db:"email_id"`
	ExtractionID     string    `db:"extraction_id"`
	Question         string    `db:"question"`
	RequiresResponse bool      `db:"requires_response"`
	SourceContext    string    `db:"source_context"`
	CreatedAt        time.Time `db:"created_at"`
}

func (e *questionEntity) toDomain() domain.Question {
	return domain.Question{
		ID:               e.ID,
		AccountID:        e.AccountID,
		EmailID:          e.EmailID,
		ExtractionID:     e.ExtractionID,
		Question:         e.Question,
		RequiresResponse: e.RequiresResponse,
		SourceContext:    e.SourceContext,
		CreatedAt:        e.CreatedAt,
	}
}

// ReplaceForEmail swaps the memory set for one email atomically.
func (a *MemoryAdapter) ReplaceForEmail(ctx context.Context, accountID, emailID string, extraction *domain.Extraction) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapDBError(err, "memory.replace")
	}
	defer tx.Rollback()

	for _, table := range []string{"tasks", "decisions", "questions"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE account_id = $1 AND email_id = $2`,
			accountID, emailID,
		); err != nil {
			return wrapDBError(err, "memory.replace."+table)
		}
	}

	if extraction != nil {
		for _, t := range extraction.Tasks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (
					account_id, email_id, extraction_id, description, deadline,
					priority, assignee, source_context, status, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
				accountID, emailID, t.ExtractionID, t.Description,
				nullTimePtr(t.Deadline), string(t.Priority), nullStr(t.Assignee),
				t.SourceContext, string(domain.TaskPending),
			)
			if err != nil {
				return wrapDBError(err, "memory.insert_task")
			}
		}
		for _, d := range extraction.Decisions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO decisions (
					account_id, email_id, extraction_id, question, options,
					deadline, requires_my_input, source_context, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
				accountID, emailID, d.ExtractionID, d.Question,
				pq.Array(d.Options), nullTimePtr(d.Deadline),
				d.RequiresMyInput, d.SourceContext,
			)
			if err != nil {
				return wrapDBError(err, "memory.insert_decision")
			}
		}
		for _, q := range extraction.Questions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO questions (
					account_id, email_id, extraction_id, question,
					requires_response, source_context, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				accountID, emailID, q.ExtractionID, q.Question,
				q.RequiresResponse, q.SourceContext,
			)
			if err != nil {
				return wrapDBError(err, "memory.insert_question")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDBError(err, "memory.replace")
	}
	return nil
}

func (a *MemoryAdapter) GetForEmail(ctx context.Context, accountID, emailID string) (*domain.MemorySet, error) {
	set := &domain.MemorySet{
		Tasks:     []domain.Task{},
		Decisions: []domain.Decision{},
		Questions: []domain.Question{},
	}

	var tasks []taskEntity
	err := a.db.SelectContext(ctx, &tasks, `
		SELECT id, account_id, email_id, extraction_id, description, deadline,
			priority, assignee, source_context, status, created_at
		FROM tasks
		WHERE account_id = $1 AND email_id = $2
		ORDER BY id ASC`, accountID, emailID)
	if err != nil {
		return nil, wrapDBError(err, "memory.get_tasks")
	}
	for i := range tasks {
		set.Tasks = append(set.Tasks, tasks[i].toDomain())
	}

	var decisions []decisionEntity
	err = a.db.SelectContext(ctx, &decisions, `
		SELECT id, account_id, email_id, extraction_id, question, options,
			deadline, requires_my_input, source_context, created_at
		FROM decisions
		WHERE account_id = $1 AND email_id = $2
		ORDER BY id ASC`, accountID, emailID)
	if err != nil {
		return nil, wrapDBError(err, "memory.get_decisions")
	}
	for i := range decisions {
		set.Decisions = append(set.Decisions, decisions[i].toDomain())
	}

	var questions []questionEntity
	err = a.db.SelectContext(ctx, &questions, `
		SELECT id, account_id, email_id, extraction_id, question,
			requires_response, source_context, created_at
		FROM questions
		WHERE account_id = $1 AND email_id = $2
		ORDER BY id ASC`, accountID, emailID)
	if err != nil {
		return nil, wrapDBError(err, "memory.get_questions")
	}
	for i := range questions {
		set.Questions = append(set.Questions, questions[i].toDomain())
	}

	return set, nil
}

func (a *MemoryAdapter) ListOpenTasks(ctx context.Context, accountID string, limit int) ([]domain.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var entities []taskEntity
	err := a.db.SelectContext(ctx, &entities, `
		SELECT id, account_id, email_id, extraction_id, description, deadline,
			priority, assignee, source_context, status, created_at
		FROM tasks
		WHERE account_id = $1 AND status = $2
		ORDER BY
			CASE priority
				WHEN 'urgent' THEN 0
				WHEN 'high' THEN 1
				WHEN 'medium' THEN 2
				ELSE 3
			END,
			deadline ASC NULLS LAST,
			created_at ASC
		LIMIT $3`, accountID, string(domain.TaskPending), limit)
	if err != nil {
		return nil, wrapDBError(err, "memory.list_open_tasks")
	}

	tasks := make([]domain.Task, 0, len(entities))
	for i := range entities {
		tasks = append(tasks, entities[i].toDomain())
	}
	return tasks, nil
}
