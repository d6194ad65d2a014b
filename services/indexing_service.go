package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"github.com/itish2003/ragask/config"
)

const (
	metaSourceFile = "source_file"
	metaFileHash   = "file_hash"
	metaChunkNum   = "chunk_num"
)

// IndexingService keeps a Chroma collection in sync with files on disk so the
// chroma retriever has something to search.
type IndexingService struct {
	collection chromago.Collection
	embedder   Embedder
	splitter   textsplitter.TextSplitter
	logger     *zap.Logger
}

// IndexReport summarises one scan.
type IndexReport struct {
	Indexed   int
	Unchanged int
	Removed   int
	Failed    int
}

func NewIndexingService(collection chromago.Collection, embedder Embedder, cfg config.IngestConfig, logger *zap.Logger) *IndexingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexingService{
		collection: collection,
		embedder:   embedder,
		splitter:   newSplitter(cfg),
		logger:     logger,
	}
}

func newSplitter(cfg config.IngestConfig) textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
	)
}

// ScanAndIndex indexes new or modified files under root and removes index
// entries for files that no longer exist there. root may also be one file.
func (s *IndexingService) ScanAndIndex(ctx context.Context, root string) (IndexReport, error) {
	var report IndexReport

	root, err := filepath.Abs(root)
	if err != nil {
		return report, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return report, err
	}

	indexed, err := s.currentIndexState(ctx)
	if err != nil {
		return report, fmt.Errorf("could not get current index state: %w", err)
	}
	s.logger.Info("starting scan", zap.String("root", root), zap.Int("indexed_files", len(indexed)))

	local, err := collectFiles(root)
	if err != nil {
		return report, err
	}

	for _, path := range local {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		hash, err := calculateFileHash(path)
		if err != nil {
			s.logger.Warn("could not hash file", zap.String("path", path), zap.Error(err))
			report.Failed++
			continue
		}
		if prev, ok := indexed[path]; ok {
			if prev == hash {
				report.Unchanged++
				continue
			}
			if err := s.deleteBySource(ctx, path); err != nil {
				s.logger.Error("failed to delete old version", zap.String("path", path), zap.Error(err))
				report.Failed++
				continue
			}
		}
		if err := s.indexFile(ctx, path, hash); err != nil {
			s.logger.Error("failed to index file", zap.String("path", path), zap.Error(err))
			report.Failed++
			continue
		}
		report.Indexed++
	}

	if info.IsDir() {
		present := make(map[string]bool, len(local))
		for _, p := range local {
			present[p] = true
		}
		for path := range indexed {
			if present[path] || !withinDir(root, path) {
				continue
			}
			s.logger.Info("file deleted, removing from index", zap.String("path", path))
			if err := s.deleteBySource(ctx, path); err != nil {
				s.logger.Error("failed to delete records", zap.String("path", path), zap.Error(err))
				report.Failed++
				continue
			}
			report.Removed++
		}
	}

	s.logger.Info("scan finished",
		zap.Int("indexed", report.Indexed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("removed", report.Removed),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Watch re-indexes files in dir as they change until ctx is cancelled.
func (s *IndexingService) Watch(ctx context.Context, dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.logger.Info("watching directory", zap.String("dir", dir))

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSupportedFile(event.Name) {
				continue
			}
			s.handleEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher error", zap.Error(err))

		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping watcher")
			return nil
		}
	}
}

func (s *IndexingService) handleEvent(ctx context.Context, event fsnotify.Event) {
	log := s.logger.With(zap.String("path", event.Name), zap.String("op", event.Op.String()))

	switch {
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		hash, err := calculateFileHash(event.Name)
		if err != nil {
			log.Warn("could not hash file", zap.Error(err))
			return
		}
		if err := s.deleteBySource(ctx, event.Name); err != nil {
			log.Error("failed to delete old version", zap.Error(err))
			return
		}
		if err := s.indexFile(ctx, event.Name, hash); err != nil {
			log.Error("failed to re-index file", zap.Error(err))
			return
		}
		log.Info("file re-indexed")

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if err := s.deleteBySource(ctx, event.Name); err != nil {
			log.Error("failed to delete records", zap.Error(err))
			return
		}
		log.Info("file removed from index")
	}
}

func (s *IndexingService) indexFile(ctx context.Context, path, hash string) error {
	text, err := ExtractTextFromFile(path)
	if err != nil {
		return err
	}

	chunks, err := s.splitter.SplitText(text)
	if err != nil {
		return fmt.Errorf("split %s: %w", path, err)
	}
	s.logger.Debug("split file", zap.String("path", path), zap.Int("chunks", len(chunks)))

	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		vector, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("could not embed chunk %d of %s: %w", i, path, err)
		}
		metadata := chromago.NewDocumentMetadata(
			chromago.NewStringAttribute(metaSourceFile, path),
			chromago.NewStringAttribute(metaFileHash, hash),
			chromago.NewIntAttribute(metaChunkNum, int64(i)),
		)
		docID := chromago.DocumentID(fmt.Sprintf("%s-chunk%d", uuid.New().String(), i))
		err = s.collection.Add(ctx,
			chromago.WithIDs(docID),
			chromago.WithTexts(chunk),
			chromago.WithEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
			chromago.WithMetadatas(metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to add chunk %d of %s to chromadb: %w", i, path, err)
		}
	}
	return nil
}

// currentIndexState maps each indexed source file to its content hash.
func (s *IndexingService) currentIndexState(ctx context.Context) (map[string]string, error) {
	state := make(map[string]string)
	results, err := s.collection.Get(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range results.GetMetadatas() {
		path, hash, ok := sourceFromMetadata(meta)
		if !ok {
			continue
		}
		if _, exists := state[path]; !exists {
			state[path] = hash
		}
	}
	return state, nil
}

func sourceFromMetadata(meta chromago.DocumentMetadata) (path, hash string, ok bool) {
	if meta == nil {
		return "", "", false
	}
	path, ok1 := meta.GetString(metaSourceFile)
	hash, ok2 := meta.GetString(metaFileHash)
	if !ok1 || !ok2 || path == "" {
		return "", "", false
	}
	return path, hash, true
}

func (s *IndexingService) deleteBySource(ctx context.Context, path string) error {
	return s.collection.Delete(ctx, chromago.WithWhereDelete(chromago.EqString(metaSourceFile, path)))
}

// collectFiles lists supported files under root, or root itself when it is a
// supported file.
func collectFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !isSupportedFile(root) {
			return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(root))
		}
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !d.IsDir() && isSupportedFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking the path %s: %w", root, err)
	}
	return files, nil
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func calculateFileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
