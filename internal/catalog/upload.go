package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"havenmapper/internal/apperr"
	"havenmapper/internal/hmap"
	"havenmapper/internal/models"
)

// MaxHmapUploadBytes bounds accepted snapshot uploads.
const MaxHmapUploadBytes = 500 << 20

// UploadHmap validates and stores an uploaded snapshot. The signature is
// checked before anything touches disk; declaredSize, when positive, is
// rejected early so oversized uploads fail before streaming.
func (s *Service) UploadHmap(ctx context.Context, name, fileName string, r io.Reader, declaredSize int64) (*models.HmapSource, error) {
	if name == "" {
		return nil, apperr.InvalidArgument("name is required")
	}
	if declaredSize > MaxHmapUploadBytes {
		return nil, apperr.InvalidArgument("file exceeds %d bytes", int64(MaxHmapUploadBytes))
	}

	head := make([]byte, len(hmap.Magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, apperr.InvalidArgument("not an hmap file: too short")
	}
	if string(head) != hmap.Magic {
		return nil, apperr.InvalidArgument("not an hmap file: bad signature")
	}

	base := filepath.Base(fileName)
	if base == "." || base == string(filepath.Separator) {
		base = "upload.hmap"
	}
	rel := fmt.Sprintf("hmap-sources/%s_%s", time.Now().Format("20060102150405"), base)
	path := filepath.Join(s.cfg.GridStorage, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Internal("create upload dir", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, apperr.Internal("create upload file", err)
	}
	written, err := io.Copy(f, io.MultiReader(bytes.NewReader(head), io.LimitReader(r, MaxHmapUploadBytes)))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, apperr.Internal("store upload", err)
	}
	if written > MaxHmapUploadBytes {
		os.Remove(path)
		return nil, apperr.InvalidArgument("file exceeds %d bytes", int64(MaxHmapUploadBytes))
	}

	src := &models.HmapSource{
		Name:          name,
		FileName:      base,
		FilePath:      rel,
		FileSizeBytes: written,
		CreatedAt:     time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(src).Error; err != nil {
		os.Remove(path)
		return nil, apperr.Internal("create hmap source", err)
	}
	s.log.Info("hmap uploaded", "id", src.ID, "name", name, "bytes", written)
	return src, nil
}

func (s *Service) ListHmapSources(ctx context.Context) ([]models.HmapSource, error) {
	var sources []models.HmapSource
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&sources).Error; err != nil {
		return nil, apperr.Internal("list hmap sources", err)
	}
	return sources, nil
}

// DeleteHmapSource removes an uploaded snapshot and its file. Deletion is
// forbidden while any public map still references it.
func (s *Service) DeleteHmapSource(ctx context.Context, id uint) error {
	db := s.db.WithContext(ctx)

	var src models.HmapSource
	if err := db.First(&src, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("hmap source %d not found", id)
		}
		return apperr.Internal("load hmap source", err)
	}

	var refs int64
	if err := db.Model(&models.PublicMapHmapSource{}).
		Where("hmap_source_id = ?", id).Count(&refs).Error; err != nil {
		return apperr.Internal("count references", err)
	}
	if refs > 0 {
		return apperr.InvalidArgument("hmap source %d is referenced by %d public map(s)", id, refs)
	}

	if err := db.Delete(&models.HmapSource{}, "id = ?", id).Error; err != nil {
		return apperr.Internal("delete hmap source", err)
	}
	path := filepath.Join(s.cfg.GridStorage, filepath.FromSlash(src.FilePath))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Internal("remove hmap file", err)
	}
	return nil
}
