package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupTestLibrary(t *testing.T, format Format) *Library {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitializeSchema(db))
	return New(db, t.TempDir(), format, 90)
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 10), uint8(y * 10), 128, 255})
		}
	}
	return img
}

func TestSaveRecordsPhoto(t *testing.T) {
	lib := setupTestLibrary(t, PNG)
	ctx := context.Background()

	meta := Meta{Filter: "night", Mode: "background", Intensity: 0.7, Coverage: 0.4}
	p, err := lib.Save(ctx, testImage(8, 6), meta)
	require.NoError(t, err)

	assert.Equal(t, 8, p.Width)
	assert.Equal(t, 6, p.Height)
	assert.Len(t, p.Hash, 64)
	assert.Equal(t, ".png", filepath.Ext(p.Path))
	assert.FileExists(t, p.Path)

	got, err := lib.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, got.Meta)
	assert.Equal(t, p.Hash, got.Hash)
	assert.Equal(t, p.Size, got.Size)
	assert.False(t, got.RemoteKey.Valid)

	entries, err := os.ReadDir(filepath.Join(lib.Dir(), ".staging"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staged file should be moved on commit")
}

func TestSaveJPEG(t *testing.T) {
	lib := setupTestLibrary(t, JPEG)
	p, err := lib.Save(context.Background(), testImage(4, 4), Meta{Filter: "none", Mode: "whole"})
	require.NoError(t, err)
	assert.Equal(t, ".jpg", filepath.Ext(p.Path))
	assert.Equal(t, "image/jpeg", p.ContentType())
}

func TestStageRejectsEmptyImage(t *testing.T) {
	lib := setupTestLibrary(t, PNG)
	_, _, err := lib.Stage(nil)
	assert.Error(t, err)
	_, _, err = lib.Stage(image.NewRGBA(image.Rectangle{}))
	assert.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	lib := setupTestLibrary(t, PNG)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		lib.now = func() time.Time { return at }
		p, err := lib.Save(ctx, testImage(2, 2), Meta{Filter: "roof", Mode: "whole"})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	page, more, err := lib.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	page, more, err = lib.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
}

func TestRemove(t *testing.T) {
	lib := setupTestLibrary(t, PNG)
	ctx := context.Background()
	p, err := lib.Save(ctx, testImage(2, 2), Meta{})
	require.NoError(t, err)

	require.NoError(t, lib.Remove(ctx, p.ID))
	assert.NoFileExists(t, p.Path)

	_, err = lib.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, lib.Remove(ctx, p.ID), ErrNotFound)
}

type fakeUploader struct {
	calls int
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, p *Photo) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "photos/" + p.ID, nil
}

func TestUploadPhotoMarksRemoteKey(t *testing.T) {
	lib := setupTestLibrary(t, PNG)
	ctx := context.Background()
	p, err := lib.Save(ctx, testImage(2, 2), Meta{})
	require.NoError(t, err)

	up := &fakeUploader{}
	key, err := lib.UploadPhoto(ctx, up, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "photos/"+p.ID, key)

	// second upload is a no-op
	_, err = lib.UploadPhoto(ctx, up, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, up.calls)

	got, err := lib.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.RemoteKey.Valid)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"remoteKey":"photos/`+p.ID+`"`)
}

func TestUploadPhotoErrors(t *testing.T) {
	lib := setupTestLibrary(t, PNG)
	ctx := context.Background()

	_, err := lib.UploadPhoto(ctx, nil, "x")
	assert.ErrorIs(t, err, ErrUploadDisabled)

	_, err = lib.UploadPhoto(ctx, &fakeUploader{}, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := lib.Save(ctx, testImage(2, 2), Meta{})
	require.NoError(t, err)
	boom := errors.New("boom")
	_, err = lib.UploadPhoto(ctx, &fakeUploader{err: boom}, p.ID)
	assert.ErrorIs(t, err, boom)
}

func TestMarkUploadedMissing(t *testing.T) {
	lib := setupTestLibrary(t, PNG)
	assert.ErrorIs(t, lib.MarkUploaded(context.Background(), "nope", "k"), ErrNotFound)
}

func TestPhotoJSONNullRemoteKey(t *testing.T) {
	p := Photo{ID: "a", Meta: Meta{Filter: "night"}}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"remoteKey":null`)
	assert.Contains(t, string(data), `"filter":"night"`)
}

func TestNoticeFor(t *testing.T) {
	assert.Equal(t, SavedNotice, NoticeFor(nil))
	assert.Equal(t, FailedNotice, NoticeFor(errors.New("disk full")))
	assert.Equal(t, PermissionNotice, NoticeFor(fmt.Errorf("save: %w", ErrPermission)))
	assert.Equal(t, PermissionNotice, NoticeFor(os.ErrPermission))
}

func TestS3Key(t *testing.T) {
	cfg := S3Config{Bucket: "b", Prefix: "/camera/"}
	p := &Photo{ID: "abc", Path: "/x/abc.png", CreatedAt: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "camera/2026/05/04/abc.png", cfg.Key(p))
	assert.True(t, cfg.Enabled())
	assert.False(t, S3Config{}.Enabled())

	_, err := NewS3Uploader(context.Background(), S3Config{})
	assert.ErrorIs(t, err, ErrUploadDisabled)
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, JPEG, ParseFormat("JPG"))
	assert.Equal(t, JPEG, ParseFormat("jpeg"))
	assert.Equal(t, PNG, ParseFormat("png"))
	assert.Equal(t, PNG, ParseFormat(""))
}
