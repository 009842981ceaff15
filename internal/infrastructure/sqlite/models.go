package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/fingerprint"
)

// PipeModel represents the database row for the pipes table.
type PipeModel struct {
	ID            string
	ModuleName    string
	FuncName      string
	IdentityKey   string
	Params        string // JSON encoded
	ReturnVol     bool
	Deterministic bool
	HasOutputFunc bool
	Description   string
	CreatedAt     int64 // Unix timestamp
}

// paramModel is the JSON shape of one declared parameter. Defaults are
// stored through the literal codec so int/float/string kinds round-trip.
type paramModel struct {
	Name       string          `json:"name"`
	Default    json.RawMessage `json:"default,omitempty"`
	HasDefault bool            `json:"has_default"`
	Variadic   bool            `json:"variadic,omitempty"`
}

func encodeParams(params []domain.Param) (string, error) {
	models := make([]paramModel, len(params))
	for i, p := range params {
		m := paramModel{Name: p.Name, HasDefault: p.HasDefault, Variadic: p.Variadic}
		if p.HasDefault {
			raw, err := fingerprint.EncodeLiteral(p.Default)
			if err != nil {
				return "", fmt.Errorf("parameter %q default: %w", p.Name, err)
			}
			m.Default = raw
		}
		models[i] = m
	}
	data, err := json.Marshal(models)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeParams(data string) ([]domain.Param, error) {
	var models []paramModel
	if err := json.Unmarshal([]byte(data), &models); err != nil {
		return nil, err
	}
	params := make([]domain.Param, len(models))
	for i, m := range models {
		p := domain.Param{Name: m.Name, HasDefault: m.HasDefault, Variadic: m.Variadic}
		if m.HasDefault {
			v, err := fingerprint.DecodeLiteral(m.Default)
			if err != nil {
				return nil, fmt.Errorf("parameter %q default: %w", m.Name, err)
			}
			p.Default = v
		}
		params[i] = p
	}
	return params, nil
}

func toPipeModel(p *domain.Pipe) (*PipeModel, error) {
	params, err := encodeParams(p.Params)
	if err != nil {
		return nil, err
	}
	return &PipeModel{
		ID:            p.ID,
		ModuleName:    p.Module,
		FuncName:      p.Name,
		IdentityKey:   p.IdentityKey,
		Params:        params,
		ReturnVol:     p.ReturnVolatile,
		Deterministic: p.Deterministic,
		HasOutputFunc: p.HasOutputFunc,
		Description:   p.Description,
		CreatedAt:     time.Now().Unix(),
	}, nil
}

func (m *PipeModel) toDomain() (*domain.Pipe, error) {
	params, err := decodeParams(m.Params)
	if err != nil {
		return nil, err
	}
	return &domain.Pipe{
		ID:             m.ID,
		Module:         m.ModuleName,
		Name:           m.FuncName,
		IdentityKey:    m.IdentityKey,
		Params:         params,
		ReturnVolatile: m.ReturnVol,
		Deterministic:  m.Deterministic,
		HasOutputFunc:  m.HasOutputFunc,
		Description:    m.Description,
		Info:           domain.Info{},
	}, nil
}

// TaskModel represents the database row for the tasks table.
type TaskModel struct {
	ID          string
	PipeID      string
	Fingerprint string
	StartedAt   int64 // Unix nanoseconds
	FinishedAt  int64 // Unix nanoseconds
	Description string
}

func toTaskModel(t *domain.Task) *TaskModel {
	return &TaskModel{
		ID:          t.ID,
		PipeID:      t.PipeID,
		Fingerprint: t.Fingerprint,
		StartedAt:   t.StartedAt.UnixNano(),
		FinishedAt:  t.FinishedAt.UnixNano(),
		Description: t.Description,
	}
}

func (m *TaskModel) toDomain() *domain.Task {
	return &domain.Task{
		ID:          m.ID,
		PipeID:      m.PipeID,
		Fingerprint: m.Fingerprint,
		StartedAt:   time.Unix(0, m.StartedAt),
		FinishedAt:  time.Unix(0, m.FinishedAt),
		Description: m.Description,
		Info:        domain.Info{},
	}
}

// ResourceModel represents the database row for the resources table.
type ResourceModel struct {
	ID          string
	TaskID      string
	Ordinal     int
	Volatile    bool
	ContentHash *string // nullable: volatile payloads are never vaulted
	Description string
}

func toResourceModel(r *domain.Resource) *ResourceModel {
	m := &ResourceModel{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Ordinal:     r.Ordinal,
		Volatile:    r.Volatile,
		Description: r.Description,
	}
	if r.ContentHash != "" {
		hash := r.ContentHash
		m.ContentHash = &hash
	}
	return m
}

func (m *ResourceModel) toDomain() *domain.Resource {
	r := &domain.Resource{
		ID:          m.ID,
		TaskID:      m.TaskID,
		Ordinal:     m.Ordinal,
		Volatile:    m.Volatile,
		Description: m.Description,
		Info:        domain.Info{},
	}
	if m.ContentHash != nil {
		r.ContentHash = *m.ContentHash
	}
	return r
}

// FileResourceModel represents the database row for the fileresources table.
type FileResourceModel struct {
	ID          string
	TaskID      *string // nullable: externally registered files have no producer
	Path        string
	Size        int64
	MD5         string
	Description string
}

func toFileResourceModel(f *domain.FileResource) *FileResourceModel {
	m := &FileResourceModel{
		ID:          f.ID,
		Path:        f.Path,
		Size:        f.Size,
		MD5:         f.MD5,
		Description: f.Description,
	}
	if f.TaskID != "" {
		taskID := f.TaskID
		m.TaskID = &taskID
	}
	return m
}

func (m *FileResourceModel) toDomain() *domain.FileResource {
	f := &domain.FileResource{
		ID:          m.ID,
		Path:        m.Path,
		Size:        m.Size,
		MD5:         m.MD5,
		Description: m.Description,
		Info:        domain.Info{},
	}
	if m.TaskID != nil {
		f.TaskID = *m.TaskID
	}
	return f
}
