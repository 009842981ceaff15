package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/fingerprint"
	"github.com/pipetrace/pipetrace/internal/log"
)

// Store exposes the durable provenance operations. Every multi-row write
// is enclosed in a transaction: a task exists if and only if its
// transaction committed, and then all of its outputs exist with it.
type Store struct {
	conn *sql.DB
}

const pipeColumns = `id, module_name, func_name, identity_key, params,
	return_volatile, is_deterministic, has_output_func, description, created_at`

const taskColumns = `id, pipe_id, fingerprint, started_at, finished_at, description`

const resourceColumns = `id, task_id, ordinal, volatile, content_hash, description`

const fileResourceColumns = `id, task_id, path, size, md5, description`

type scanner interface{ Scan(...any) error }

func scanPipe(s scanner) (*PipeModel, error) {
	var m PipeModel
	err := s.Scan(&m.ID, &m.ModuleName, &m.FuncName, &m.IdentityKey, &m.Params,
		&m.ReturnVol, &m.Deterministic, &m.HasOutputFunc, &m.Description, &m.CreatedAt)
	return &m, err
}

func scanTask(s scanner) (*TaskModel, error) {
	var m TaskModel
	err := s.Scan(&m.ID, &m.PipeID, &m.Fingerprint, &m.StartedAt, &m.FinishedAt, &m.Description)
	return &m, err
}

func scanResource(s scanner) (*ResourceModel, error) {
	var m ResourceModel
	err := s.Scan(&m.ID, &m.TaskID, &m.Ordinal, &m.Volatile, &m.ContentHash, &m.Description)
	return &m, err
}

func scanFileResource(s scanner) (*FileResourceModel, error) {
	var m FileResourceModel
	err := s.Scan(&m.ID, &m.TaskID, &m.Path, &m.Size, &m.MD5, &m.Description)
	return &m, err
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// WithTx runs f inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(f func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return &domain.StoreError{Op: "begin", Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &domain.StoreError{Op: "commit", Err: err}
	}
	return nil
}

// ---- pipes ----

// InsertPipe persists a pipe row. Idempotence by identity is handled by
// the registry, which checks PipeByIdentity first.
func (s *Store) InsertPipe(p *domain.Pipe) error {
	model, err := toPipeModel(p)
	if err != nil {
		return &domain.StoreError{Op: "insert pipe", Err: err}
	}
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO pipes (id, module_name, func_name, identity_key, params,
				return_volatile, is_deterministic, has_output_func, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			model.ID, model.ModuleName, model.FuncName, model.IdentityKey, model.Params,
			model.ReturnVol, model.Deterministic, model.HasOutputFunc, model.Description, model.CreatedAt,
		)
		if err != nil {
			return &domain.StoreError{Op: "insert pipe", Err: err}
		}
		return insertInfoTx(tx, domain.EntryPipe, p.ID, p.Info)
	})
}

// PipeByIdentity returns the pipe with the given identity key, or nil if
// none is registered.
func (s *Store) PipeByIdentity(key string) (*domain.Pipe, error) {
	row := s.conn.QueryRow(`SELECT `+pipeColumns+` FROM pipes WHERE identity_key = ?`, key)
	model, err := scanPipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "pipe by identity", Err: err}
	}
	pipe, err := model.toDomain()
	if err != nil {
		return nil, &domain.StoreError{Op: "pipe by identity", Err: err}
	}
	pipe.Info, err = s.loadInfo(domain.EntryPipe, pipe.ID)
	return pipe, err
}

// GetPipe retrieves a pipe by id.
func (s *Store) GetPipe(id string) (*domain.Pipe, error) {
	row := s.conn.QueryRow(`SELECT `+pipeColumns+` FROM pipes WHERE id = ?`, id)
	model, err := scanPipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.UnknownPipeError{ID: id}
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get pipe", Err: err}
	}
	pipe, err := model.toDomain()
	if err != nil {
		return nil, &domain.StoreError{Op: "get pipe", Err: err}
	}
	pipe.Info, err = s.loadInfo(domain.EntryPipe, pipe.ID)
	return pipe, err
}

// AllPipeIDs lists every registered pipe id.
func (s *Store) AllPipeIDs() ([]string, error) {
	return s.idList(`SELECT id FROM pipes ORDER BY created_at`)
}

// ---- tasks ----

// PutTask atomically writes the task row, its input edges, its owned
// output resources and file resources, and the overwritten marks for any
// file resources replaced by this task's outputs.
func (s *Store) PutTask(t *domain.Task, resources []*domain.Resource, files []*domain.FileResource, overwrittenIDs []string) error {
	model := toTaskModel(t)
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO tasks (id, pipe_id, fingerprint, started_at, finished_at, description)
			VALUES (?, ?, ?, ?, ?, ?)`,
			model.ID, model.PipeID, model.Fingerprint, model.StartedAt, model.FinishedAt, model.Description,
		)
		if err != nil {
			return &domain.StoreError{Op: "insert task", Err: err}
		}

		for pos, arg := range t.Inputs {
			var nodeID, literal any
			switch arg.Kind {
			case domain.ArgLiteral:
				blob, err := fingerprint.EncodeLiteral(arg.Literal)
				if err != nil {
					return err
				}
				literal = blob
			default:
				nodeID = arg.NodeID
			}
			if _, err := tx.Exec(
				`INSERT INTO task_inputs (task_id, position, kind, node_id, literal) VALUES (?, ?, ?, ?, ?)`,
				t.ID, pos, string(arg.Kind), nodeID, literal,
			); err != nil {
				return &domain.StoreError{Op: "insert task input", Err: err}
			}
		}

		for _, r := range resources {
			rm := toResourceModel(r)
			if _, err := tx.Exec(
				`INSERT INTO resources (id, task_id, ordinal, volatile, content_hash, description)
				VALUES (?, ?, ?, ?, ?, ?)`,
				rm.ID, rm.TaskID, rm.Ordinal, rm.Volatile, rm.ContentHash, rm.Description,
			); err != nil {
				return &domain.StoreError{Op: "insert resource", Err: err}
			}
			if err := insertInfoTx(tx, domain.EntryResource, r.ID, r.Info); err != nil {
				return err
			}
		}

		for _, f := range files {
			fm := toFileResourceModel(f)
			if _, err := tx.Exec(
				`INSERT INTO fileresources (id, task_id, path, size, md5, description)
				VALUES (?, ?, ?, ?, ?, ?)`,
				fm.ID, fm.TaskID, fm.Path, fm.Size, fm.MD5, fm.Description,
			); err != nil {
				return &domain.StoreError{Op: "insert fileresource", Err: err}
			}
			if err := insertInfoTx(tx, domain.EntryFileResource, f.ID, f.Info); err != nil {
				return err
			}
		}

		for pos, out := range t.Outputs {
			if _, err := tx.Exec(
				`INSERT INTO task_outputs (task_id, position, kind, node_id) VALUES (?, ?, ?, ?)`,
				t.ID, pos, string(out.Kind), out.NodeID,
			); err != nil {
				return &domain.StoreError{Op: "insert task output", Err: err}
			}
		}

		now := time.Now()
		for _, id := range overwrittenIDs {
			if err := markInfoTx(tx, domain.EntryFileResource, id, domain.FlagOverwritten, now.Format(time.RFC3339)); err != nil {
				return err
			}
		}

		if err := insertInfoTx(tx, domain.EntryTask, t.ID, t.Info); err != nil {
			return err
		}

		log.Debug(log.CatDB, "Task committed", "taskID", t.ID, "fingerprint", t.Fingerprint)
		return nil
	})
}

// GetTask retrieves a task with its inputs and outputs.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.StoreError{Op: "get task", Err: fmt.Errorf("task %s not found", id)}
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get task", Err: err}
	}
	return s.hydrateTask(model)
}

// TaskByFingerprint returns the most recent task with the fingerprint, or
// nil if none exists.
func (s *Store) TaskByFingerprint(fp string) (*domain.Task, error) {
	row := s.conn.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE fingerprint = ? ORDER BY finished_at DESC LIMIT 1`, fp)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "task by fingerprint", Err: err}
	}
	return s.hydrateTask(model)
}

func (s *Store) hydrateTask(model *TaskModel) (*domain.Task, error) {
	task := model.toDomain()

	rows, err := s.conn.Query(
		`SELECT position, kind, node_id, literal FROM task_inputs WHERE task_id = ? ORDER BY position`, task.ID)
	if err != nil {
		return nil, &domain.StoreError{Op: "load task inputs", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var pos int
		var kind string
		var nodeID sql.NullString
		var literal []byte
		if err := rows.Scan(&pos, &kind, &nodeID, &literal); err != nil {
			return nil, &domain.StoreError{Op: "load task inputs", Err: err}
		}
		arg := domain.Argument{Kind: domain.ArgKind(kind)}
		if arg.Kind == domain.ArgLiteral {
			v, err := fingerprint.DecodeLiteral(literal)
			if err != nil {
				return nil, err
			}
			arg.Literal = v
		} else {
			arg.NodeID = nodeID.String
		}
		task.Inputs = append(task.Inputs, arg)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "load task inputs", Err: err}
	}

	outRows, err := s.conn.Query(
		`SELECT kind, node_id FROM task_outputs WHERE task_id = ? ORDER BY position`, task.ID)
	if err != nil {
		return nil, &domain.StoreError{Op: "load task outputs", Err: err}
	}
	defer outRows.Close()
	for outRows.Next() {
		var kind, nodeID string
		if err := outRows.Scan(&kind, &nodeID); err != nil {
			return nil, &domain.StoreError{Op: "load task outputs", Err: err}
		}
		task.Outputs = append(task.Outputs, domain.OutputRef{Kind: domain.OutputKind(kind), NodeID: nodeID})
	}
	if err := outRows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "load task outputs", Err: err}
	}

	task.Info, err = s.loadInfo(domain.EntryTask, task.ID)
	return task, err
}

// TasksByPipe lists ids of tasks produced by the pipe.
func (s *Store) TasksByPipe(pipeID string) ([]string, error) {
	return s.idList(`SELECT id FROM tasks WHERE pipe_id = ? ORDER BY finished_at`, pipeID)
}

// AllTaskIDs lists every task id.
func (s *Store) AllTaskIDs() ([]string, error) {
	return s.idList(`SELECT id FROM tasks ORDER BY finished_at`)
}

// ---- resources ----

// GetResource retrieves a resource by id.
func (s *Store) GetResource(id string) (*domain.Resource, error) {
	row := s.conn.QueryRow(`SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	model, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.MissingResourceError{ID: id}
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get resource", Err: err}
	}
	r := model.toDomain()
	r.Info, err = s.loadInfo(domain.EntryResource, id)
	return r, err
}

// LiveContentHashes returns the set of vault hashes still referenced by
// any resource. Used by the garbage sweep.
func (s *Store) LiveContentHashes() (map[string]struct{}, error) {
	rows, err := s.conn.Query(`SELECT DISTINCT content_hash FROM resources WHERE content_hash IS NOT NULL`)
	if err != nil {
		return nil, &domain.StoreError{Op: "live content hashes", Err: err}
	}
	defer rows.Close()
	live := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, &domain.StoreError{Op: "live content hashes", Err: err}
		}
		live[hash] = struct{}{}
	}
	return live, rows.Err()
}

// ---- file resources ----

// GetFileResource retrieves a file resource by id.
func (s *Store) GetFileResource(id string) (*domain.FileResource, error) {
	row := s.conn.QueryRow(`SELECT `+fileResourceColumns+` FROM fileresources WHERE id = ?`, id)
	model, err := scanFileResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.StoreError{Op: "get fileresource", Err: fmt.Errorf("fileresource %s not found", id)}
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get fileresource", Err: err}
	}
	f := model.toDomain()
	f.Info, err = s.loadInfo(domain.EntryFileResource, id)
	return f, err
}

// FileResourcesByPath returns every file resource registered at the
// absolute path, oldest first.
func (s *Store) FileResourcesByPath(path string) ([]*domain.FileResource, error) {
	rows, err := s.conn.Query(
		`SELECT `+fileResourceColumns+` FROM fileresources WHERE path = ? ORDER BY rowid`, path)
	if err != nil {
		return nil, &domain.StoreError{Op: "fileresources by path", Err: err}
	}
	defer rows.Close()
	var out []*domain.FileResource
	for rows.Next() {
		model, err := scanFileResource(rows)
		if err != nil {
			return nil, &domain.StoreError{Op: "fileresources by path", Err: err}
		}
		f := model.toDomain()
		f.Info, err = s.loadInfo(domain.EntryFileResource, f.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertFileResource persists an externally registered file, atomically
// marking the ids in overwrittenIDs as overwritten.
func (s *Store) InsertFileResource(f *domain.FileResource, overwrittenIDs []string) error {
	model := toFileResourceModel(f)
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO fileresources (id, task_id, path, size, md5, description)
			VALUES (?, ?, ?, ?, ?, ?)`,
			model.ID, model.TaskID, model.Path, model.Size, model.MD5, model.Description,
		)
		if err != nil {
			return &domain.StoreError{Op: "insert fileresource", Err: err}
		}
		if err := insertInfoTx(tx, domain.EntryFileResource, f.ID, f.Info); err != nil {
			return err
		}
		now := time.Now()
		for _, id := range overwrittenIDs {
			if err := markInfoTx(tx, domain.EntryFileResource, id, domain.FlagOverwritten, now.Format(time.RFC3339)); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllFileResourceIDs lists every file resource id.
func (s *Store) AllFileResourceIDs() ([]string, error) {
	return s.idList(`SELECT id FROM fileresources ORDER BY rowid`)
}

// ---- graph edges ----

// ProducingTask returns the task that produced the node, or nil for
// externally registered nodes.
func (s *Store) ProducingTask(ref domain.Ref) (*domain.Task, error) {
	var taskID sql.NullString
	var err error
	switch ref.Type {
	case domain.EntryResource:
		err = s.conn.QueryRow(`SELECT task_id FROM resources WHERE id = ?`, ref.ID).Scan(&taskID)
	case domain.EntryFileResource:
		err = s.conn.QueryRow(`SELECT task_id FROM fileresources WHERE id = ?`, ref.ID).Scan(&taskID)
	default:
		return nil, &domain.StoreError{Op: "producing task", Err: fmt.Errorf("entry type %s has no producer", ref.Type)}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.StoreError{Op: "producing task", Err: fmt.Errorf("%s %s not found", ref.Type, ref.ID)}
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "producing task", Err: err}
	}
	if !taskID.Valid || taskID.String == "" {
		return nil, nil
	}
	return s.GetTask(taskID.String)
}

// Consumers returns ids of tasks that take the node as an input.
func (s *Store) Consumers(ref domain.Ref) ([]string, error) {
	return s.idList(
		`SELECT DISTINCT task_id FROM task_inputs WHERE node_id = ? ORDER BY task_id`, ref.ID)
}

// ---- info flags ----

// MarkInfo sets a flag on an entry.
func (s *Store) MarkInfo(ref domain.Ref, flag, value string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return markInfoTx(tx, ref.Type, ref.ID, flag, value)
	})
}

// MarkInfoAll sets the same flag on every ref inside one transaction.
func (s *Store) MarkInfoAll(refs []domain.Ref, flag, value string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		for _, ref := range refs {
			if err := markInfoTx(tx, ref.Type, ref.ID, flag, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearInfo removes a flag from an entry.
func (s *Store) ClearInfo(ref domain.Ref, flag string) error {
	_, err := s.conn.Exec(
		`DELETE FROM info_flags WHERE entry_type = ? AND entry_id = ? AND flag = ?`,
		string(ref.Type), ref.ID, flag,
	)
	if err != nil {
		return &domain.StoreError{Op: "clear info", Err: err}
	}
	return nil
}

func markInfoTx(tx execer, entryType domain.EntryType, id, flag, value string) error {
	_, err := tx.Exec(
		`INSERT INTO info_flags (entry_type, entry_id, flag, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_type, entry_id, flag) DO UPDATE SET value = excluded.value`,
		string(entryType), id, flag, value,
	)
	if err != nil {
		return &domain.StoreError{Op: "mark info", Err: err}
	}
	return nil
}

func insertInfoTx(tx execer, entryType domain.EntryType, id string, info domain.Info) error {
	for flag, value := range info {
		if err := markInfoTx(tx, entryType, id, flag, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadInfo(entryType domain.EntryType, id string) (domain.Info, error) {
	rows, err := s.conn.Query(
		`SELECT flag, value FROM info_flags WHERE entry_type = ? AND entry_id = ?`,
		string(entryType), id,
	)
	if err != nil {
		return nil, &domain.StoreError{Op: "load info", Err: err}
	}
	defer rows.Close()
	info := domain.Info{}
	for rows.Next() {
		var flag, value string
		if err := rows.Scan(&flag, &value); err != nil {
			return nil, &domain.StoreError{Op: "load info", Err: err}
		}
		info[flag] = value
	}
	return info, rows.Err()
}

// ---- search primitives ----

// TasksWithInputNode lists tasks whose inputs include the node, optionally
// restricted to a specific argument position (pass -1 for any).
func (s *Store) TasksWithInputNode(nodeID string, position int) ([]string, error) {
	if position < 0 {
		return s.idList(`SELECT DISTINCT task_id FROM task_inputs WHERE node_id = ?`, nodeID)
	}
	return s.idList(
		`SELECT DISTINCT task_id FROM task_inputs WHERE node_id = ? AND position = ?`, nodeID, position)
}

// TasksWithLiteralArg lists tasks that bind the given literal, optionally
// at a specific position (pass -1 for any).
func (s *Store) TasksWithLiteralArg(value any, position int) ([]string, error) {
	blob, err := fingerprint.EncodeLiteral(value)
	if err != nil {
		return nil, err
	}
	if position < 0 {
		return s.idList(`SELECT DISTINCT task_id FROM task_inputs WHERE kind = 'literal' AND literal = ?`, blob)
	}
	return s.idList(
		`SELECT DISTINCT task_id FROM task_inputs WHERE kind = 'literal' AND literal = ? AND position = ?`,
		blob, position)
}

func (s *Store) idList(query string, args ...any) ([]string, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, &domain.StoreError{Op: "query", Err: err}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &domain.StoreError{Op: "query", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "query", Err: err}
	}
	return ids, nil
}
