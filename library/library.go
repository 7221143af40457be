// Package library stores captured photos on disk and indexes them in sqlite.
package library

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stevecastle/artycam/stream"
)

var (
	ErrNotFound   = errors.New("photo not found")
	ErrPermission = errors.New("photo library: permission denied")
)

// Notices reported after a save.
var (
	SavedNotice      = stream.Notice{Title: "Image Saved", Message: "Image has been saved to Your library"}
	FailedNotice     = stream.Notice{Title: "Error", Message: "Image could not be saved"}
	PermissionNotice = stream.Notice{Title: "Permission not granted", Message: "App does not have permission to use photo library."}
)

// NoticeFor picks the notice for a save outcome.
func NoticeFor(err error) stream.Notice {
	switch {
	case err == nil:
		return SavedNotice
	case errors.Is(err, ErrPermission), errors.Is(err, os.ErrPermission):
		return PermissionNotice
	default:
		return FailedNotice
	}
}

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
)

func (f Format) ext() string {
	if f == JPEG {
		return ".jpg"
	}
	return ".png"
}

// ContentType is the MIME type of the format.
func (f Format) ContentType() string {
	if f == JPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// ParseFormat defaults to PNG for anything but jpeg/jpg.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return JPEG
	}
	return PNG
}

// Meta records how a photo was rendered.
type Meta struct {
	Filter    string  `json:"filter"`
	Mode      string  `json:"imageMode"`
	Intensity float64 `json:"intensity"`
	Coverage  float64 `json:"coverage"`
}

// Photo is a row of the photos table.
type Photo struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Meta                     // rendering parameters
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Size      int64          `json:"size"`
	Hash      string         `json:"hash"`
	RemoteKey sql.NullString `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MarshalJSON renders RemoteKey as a nullable string.
func (p Photo) MarshalJSON() ([]byte, error) {
	type Alias Photo
	var key *string
	if p.RemoteKey.Valid {
		key = &p.RemoteKey.String
	}
	return json.Marshal(&struct {
		Alias
		RemoteKey *string `json:"remoteKey"`
	}{Alias: Alias(p), RemoteKey: key})
}

// ContentType derives the MIME type from the stored file name.
func (p *Photo) ContentType() string {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(p.Path), ".")).ContentType()
}

// InitializeSchema creates the photos table if needed.
func InitializeSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS photos (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			filter TEXT NOT NULL,
			mode TEXT NOT NULL,
			intensity REAL NOT NULL,
			coverage REAL NOT NULL DEFAULT 0,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			size INTEGER NOT NULL,
			hash TEXT NOT NULL,
			remote_key TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_photos_created ON photos(created_at)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("photos schema: %w", err)
		}
	}
	return nil
}

type Library struct {
	db      *sql.DB
	dir     string
	format  Format
	quality int
	now     func() time.Time
}

// New returns a library writing into dir. The schema must exist.
func New(db *sql.DB, dir string, format Format, quality int) *Library {
	if quality <= 0 || quality > 100 {
		quality = 92
	}
	return &Library{db: db, dir: dir, format: format, quality: quality, now: time.Now}
}

func (l *Library) Dir() string { return l.dir }

func (l *Library) stagingDir() string { return filepath.Join(l.dir, ".staging") }

// Stage encodes img into the staging area and returns the new photo id and
// the staged file path. Staging is quick so the capture can return to the
// user while the commit runs in the background.
func (l *Library) Stage(img image.Image) (id, path string, err error) {
	if img == nil || img.Bounds().Empty() {
		return "", "", errors.New("no image to save")
	}
	if err := os.MkdirAll(l.stagingDir(), 0755); err != nil {
		return "", "", wrapFS(err)
	}
	id = uuid.New().String()
	path = filepath.Join(l.stagingDir(), id+l.format.ext())
	f, err := os.Create(path)
	if err != nil {
		return "", "", wrapFS(err)
	}
	w := bufio.NewWriter(f)
	if err = l.encode(w, img); err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("encode photo: %w", err)
	}
	return id, path, nil
}

func (l *Library) encode(w io.Writer, img image.Image) error {
	if l.format == JPEG {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: l.quality})
	}
	return png.Encode(w, img)
}

// Commit moves a staged file into the library and records it.
func (l *Library) Commit(ctx context.Context, id, staged string, meta Meta) (*Photo, error) {
	created := l.now()
	dest := filepath.Join(l.dir, created.Format("2006-01-02"), filepath.Base(staged))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, wrapFS(err)
	}
	if err := os.Rename(staged, dest); err != nil {
		return nil, wrapFS(err)
	}

	p := &Photo{ID: id, Path: dest, Meta: meta, CreatedAt: created.UTC().Truncate(time.Second)}
	if err := describe(p); err != nil {
		return nil, err
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO photos
		(id, path, filter, mode, intensity, coverage, width, height, size, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Path, p.Filter, p.Mode, p.Intensity, p.Coverage,
		p.Width, p.Height, p.Size, p.Hash, p.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("record photo: %w", err)
	}
	return p, nil
}

// Save stages and commits in one call.
func (l *Library) Save(ctx context.Context, img image.Image, meta Meta) (*Photo, error) {
	id, staged, err := l.Stage(img)
	if err != nil {
		return nil, err
	}
	p, err := l.Commit(ctx, id, staged, meta)
	if err != nil {
		os.Remove(staged)
	}
	return p, err
}

// describe fills size, hash and dimensions from the file on disk.
func describe(p *Photo) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return wrapFS(err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("hash photo: %w", err)
	}
	p.Size = n
	p.Hash = hex.EncodeToString(h.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("read photo header: %w", err)
	}
	p.Width, p.Height = cfg.Width, cfg.Height
	return nil
}

const photoColumns = `id, path, filter, mode, intensity, coverage, width, height, size, hash, remote_key, created_at`

func scanPhoto(row interface{ Scan(...any) error }) (*Photo, error) {
	var p Photo
	var created int64
	if err := row.Scan(&p.ID, &p.Path, &p.Filter, &p.Mode, &p.Intensity, &p.Coverage,
		&p.Width, &p.Height, &p.Size, &p.Hash, &p.RemoteKey, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return &p, nil
}

func (l *Library) Get(ctx context.Context, id string) (*Photo, error) {
	p, err := scanPhoto(l.db.QueryRowContext(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// List returns photos newest first and whether more remain.
func (l *Library) List(ctx context.Context, offset, limit int) ([]Photo, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+photoColumns+` FROM photos
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit+1, offset)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	more := len(out) > limit
	if more {
		out = out[:limit]
	}
	return out, more, nil
}

// Remove deletes the photo row and its file. A missing file is not an error.
func (l *Library) Remove(ctx context.Context, id string) error {
	p, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM photos WHERE id = ?`, id); err != nil {
		return err
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return wrapFS(err)
	}
	return nil
}

// MarkUploaded records the remote object key for a photo.
func (l *Library) MarkUploaded(ctx context.Context, id, key string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE photos SET remote_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Discard removes a staged file that will not be committed.
func (l *Library) Discard(staged string) {
	if filepath.Dir(staged) == l.stagingDir() {
		os.Remove(staged)
	}
}

func wrapFS(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return err
}
