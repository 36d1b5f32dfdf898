package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hearing-system/apiserver/types"
	"github.com/lib/pq"
)

// ConsultationRepository handles persistence for consultations.
type ConsultationRepository struct {
	db *sql.DB
}

func NewConsultationRepository(db *sql.DB) *ConsultationRepository {
	return &ConsultationRepository{db: db}
}

const consultationColumns = `id, student_email, lesson_number, theme, details, analysis, self_evaluation,
	status, tags, resolved, recommended_resources, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsultation(row rowScanner) (types.Consultation, error) {
	var (
		c            types.Consultation
		analysisJSON []byte
		evalJSON     []byte
		resourceJSON []byte
		tags         pq.StringArray
	)
	if err := row.Scan(
		&c.ID,
		&c.StudentEmail,
		&c.LessonNumber,
		&c.Theme,
		&c.Details,
		&analysisJSON,
		&evalJSON,
		&c.Status,
		&tags,
		&c.Resolved,
		&resourceJSON,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return types.Consultation{}, err
	}

	c.Analysis = json.RawMessage(analysisJSON)
	c.Tags = []string(tags)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	_ = json.Unmarshal(evalJSON, &c.SelfEvaluation)
	_ = json.Unmarshal(resourceJSON, &c.RecommendedResources)
	if c.RecommendedResources == nil {
		c.RecommendedResources = []types.RecommendedResource{}
	}
	return c, nil
}

func (r *ConsultationRepository) Create(ctx context.Context, c types.Consultation) error {
	evalJSON, err := json.Marshal(c.SelfEvaluation)
	if err != nil {
		return err
	}
	resourceJSON, err := json.Marshal(c.RecommendedResources)
	if err != nil {
		return err
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	analysisJSON := []byte(c.Analysis)
	if len(analysisJSON) == 0 {
		analysisJSON = []byte("{}")
	}

	const query = `
		INSERT INTO consultations (` + consultationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.db.ExecContext(
		ctx,
		query,
		c.ID,
		c.StudentEmail,
		c.LessonNumber,
		c.Theme,
		c.Details,
		analysisJSON,
		evalJSON,
		c.Status,
		pq.Array(tags),
		c.Resolved,
		resourceJSON,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *ConsultationRepository) Get(ctx context.Context, id string) (types.Consultation, error) {
	const query = `SELECT ` + consultationColumns + ` FROM consultations WHERE id = $1`
	c, err := scanConsultation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Consultation{}, ErrNotFound
		}
		// Malformed uuids cannot match any row.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return types.Consultation{}, ErrNotFound
		}
		return types.Consultation{}, err
	}
	return c, nil
}

// SetResolved updates the flag only when it differs from resolved and
// reports whether a row changed. An unknown id is ErrNotFound.
func (r *ConsultationRepository) SetResolved(ctx context.Context, id string, resolved bool, at time.Time) (bool, error) {
	const query = `
		UPDATE consultations
		SET resolved = $1,
			updated_at = $2
		WHERE id = $3 AND resolved <> $1`
	result, err := r.db.ExecContext(ctx, query, resolved, at, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return false, ErrNotFound
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM consultations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// ListByStudent returns the student's consultations, newest first.
func (r *ConsultationRepository) ListByStudent(ctx context.Context, email string, limit int) ([]types.Consultation, error) {
	const query = `SELECT ` + consultationColumns + `
		FROM consultations
		WHERE student_email = $1
		ORDER BY created_at DESC
		LIMIT $2`
	return r.list(ctx, query, email, limit)
}

// ListRecent returns the latest consultations of all students.
func (r *ConsultationRepository) ListRecent(ctx context.Context, limit int) ([]types.Consultation, error) {
	const query = `SELECT ` + consultationColumns + `
		FROM consultations
		ORDER BY created_at DESC
		LIMIT $1`
	return r.list(ctx, query, limit)
}

func (r *ConsultationRepository) list(ctx context.Context, query string, args ...any) ([]types.Consultation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	consultations := make([]types.Consultation, 0)
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		consultations = append(consultations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return consultations, nil
}
