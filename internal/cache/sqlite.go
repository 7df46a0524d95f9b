package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jkatigb/storai-app/internal/generation"
)

// SQLiteIndex 条目持久化到sqlite，向量存为float32 BLOB；查询走打开时加载的内存副本
type SQLiteIndex struct {
	db  *sql.DB
	mem *MemoryIndex
}

// OpenSQLiteIndex 打开或创建数据库
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// 单连接，":memory:"数据库才能跨调用共享
	db.SetMaxOpenConns(1)
	idx, err := NewSQLiteIndex(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	idx := &SQLiteIndex{db: db, mem: NewMemoryIndex()}
	if err := idx.migrate(); err != nil {
		return nil, fmt.Errorf("cache index migrate: %w", err)
	}
	if err := idx.loadAll(); err != nil {
		return nil, fmt.Errorf("cache index load: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			scope      TEXT NOT NULL DEFAULT '',
			embedding  BLOB NOT NULL,
			dimensions INTEGER NOT NULL,
			input      TEXT NOT NULL,
			output     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}
	if err := s.addScopeColumn(); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_entries_kind ON cache_entries(kind, scope)`)
	return err
}

// addScopeColumn 旧库没有scope列时补上
func (s *SQLiteIndex) addScopeColumn() error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('cache_entries')`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == "scope" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.Exec(`ALTER TABLE cache_entries ADD COLUMN scope TEXT NOT NULL DEFAULT ''`)
	return err
}

func (s *SQLiteIndex) loadAll() error {
	rows, err := s.db.Query("SELECT id, kind, scope, embedding, dimensions, input, output, created_at FROM cache_entries ORDER BY created_at")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       Entry
			kind    string
			blob    []byte
			dims    int
			in, out string
			created int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Scope, &blob, &dims, &in, &out, &created); err != nil {
			return err
		}
		e.Kind = generation.Kind(kind)
		e.Vector = blobToFloat32(blob, dims)
		e.Input = []byte(in)
		e.Output = []byte(out)
		e.CreatedAt = time.Unix(0, created)
		if err := s.mem.Append(context.Background(), e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Append 只插入不更新
func (s *SQLiteIndex) Append(ctx context.Context, e Entry) error {
	v := normalize(e.Vector)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (id, kind, scope, embedding, dimensions, input, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Kind), e.Scope, float32ToBlob(v), len(v), string(e.Input), string(e.Output), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	e.Vector = v
	return s.mem.Append(ctx, e)
}

func (s *SQLiteIndex) Nearest(ctx context.Context, kind generation.Kind, scope string, vector []float32) (Match, bool, error) {
	return s.mem.Nearest(ctx, kind, scope, vector)
}

func (s *SQLiteIndex) Len() int { return s.mem.Len() }

func (s *SQLiteIndex) Close() error { return s.db.Close() }

func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToFloat32(b []byte, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < dims && i*4+4 <= len(b); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
