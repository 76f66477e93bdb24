// Package sink delivers finished articles: a JSON collection plus markdown
// files on disk, and a completion topic on the queue.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
)

// Sink receives an artifact after it has been stored.
type Sink interface {
	Deliver(ctx context.Context, a *models.FinalArtifact) error
}

// Multi delivers to every sink in order and joins their errors.
type Multi []Sink

// Deliver implements Sink.
func (m Multi) Deliver(ctx context.Context, a *models.FinalArtifact) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ArticleRecord is one entry of articles.json.
type ArticleRecord struct {
	BillID            string   `json:"bill_id"`
	BillTitle         string   `json:"bill_title"`
	SponsorBioguideID string   `json:"sponsor_bioguide_id"`
	BillCommitteeIDs  []string `json:"bill_committee_ids"`
	ArticleContent    string   `json:"article_content"`
}

// FileSink writes <dir>/articles.json and <dir>/articles/<id>.md.
type FileSink struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Join(dir, "articles"), 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{dir: dir, logger: logger.With("component", "sink")}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string { return s.dir }

// ArticlesPath returns the path of the JSON collection.
func (s *FileSink) ArticlesPath() string { return filepath.Join(s.dir, "articles.json") }

// MarkdownPath returns the markdown file for itemID.
func (s *FileSink) MarkdownPath(itemID string) string {
	safe := strings.NewReplacer(".", "_", " ", "_").Replace(itemID)
	return filepath.Join(s.dir, "articles", safe+".md")
}

// Deliver upserts the article by bill id and rewrites its markdown file.
func (s *FileSink) Deliver(ctx context.Context, a *models.FinalArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	rec := ArticleRecord{
		BillID:            a.ItemID,
		BillTitle:         a.Title,
		SponsorBioguideID: a.Metadata.SponsorBioguideID,
		BillCommitteeIDs:  a.Metadata.CommitteeIDs,
		ArticleContent:    a.Content,
	}
	if rec.BillCommitteeIDs == nil {
		rec.BillCommitteeIDs = []string{}
	}
	replaced := false
	for i := range records {
		if records[i].BillID == rec.BillID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling articles: %w", err)
	}
	if err := writeFile(s.ArticlesPath(), data); err != nil {
		return err
	}
	if err := writeFile(s.MarkdownPath(a.ItemID), []byte(markdown(a))); err != nil {
		return err
	}

	s.logger.Info("article saved", "item_id", a.ItemID, "words", a.WordCount, "links", a.LinkCount)
	return nil
}

// Articles reads the current collection.
func (s *FileSink) Articles() ([]ArticleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileSink) load() ([]ArticleRecord, error) {
	data, err := os.ReadFile(s.ArticlesPath())
	if errors.Is(err, os.ErrNotExist) {
		return []ArticleRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading articles: %w", err)
	}
	var records []ArticleRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// A damaged collection is rebuilt from the next delivery
		s.logger.Warn("articles file unreadable, starting fresh", "err", err)
		return []ArticleRecord{}, nil
	}
	return records, nil
}

func markdown(a *models.FinalArtifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", a.Title)
	fmt.Fprintf(&b, "**Bill ID**: %s\n\n", a.ItemID)
	fmt.Fprintf(&b, "**Sponsor**: %s\n\n", a.Metadata.SponsorBioguideID)
	fmt.Fprintf(&b, "**Committees**: %s\n\n", strings.Join(a.Metadata.CommitteeIDs, ", "))
	b.WriteString("---\n\n")
	b.WriteString(a.Content)
	return b.String()
}

// writeFile replaces path through a temp file in the same directory.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// TopicSink publishes an artifact_completed message per artifact.
type TopicSink struct {
	q        queue.Queue
	workerID string
}

// NewTopicSink publishes to models.ChannelCompletedArticles on q.
func NewTopicSink(q queue.Queue, workerID string) *TopicSink {
	return &TopicSink{q: q, workerID: workerID}
}

// Deliver implements Sink.
func (t *TopicSink) Deliver(ctx context.Context, a *models.FinalArtifact) error {
	return t.q.Publish(ctx, models.ChannelCompletedArticles, &models.TaskMessage{
		Kind:   models.KindArtifactCompleted,
		ItemID: a.ItemID,
		Payload: map[string]interface{}{
			"article_generated": true,
			"word_count":        a.WordCount,
			"link_count":        a.LinkCount,
			"worker_id":         t.workerID,
		},
	})
}

// Summary is the run report written to summary.json.
type Summary struct {
	BillsProcessed       int              `json:"bills_processed"`
	TotalBills           int              `json:"total_bills"`
	CompletionRate       float64          `json:"completion_rate"`
	TotalTimeSeconds     float64          `json:"total_time_seconds"`
	AverageTimePerBill   float64          `json:"average_time_per_bill"`
	TotalWords           int              `json:"total_words"`
	TotalLinks           int              `json:"total_links"`
	PerformanceTargetMet bool             `json:"performance_target_met"`
	TimedOut             bool             `json:"timed_out"`
	Shortfall            int              `json:"shortfall"`
	WorkerErrors         map[string]int64 `json:"worker_errors"`
	GeneratedAt          time.Time        `json:"generated_at"`
}

// PerformanceTarget is the wall-clock goal for a full run.
const PerformanceTarget = 600 * time.Second

// NewSummary derives the report from the run's artifacts.
func NewSummary(artifacts []*models.FinalArtifact, target int, elapsed time.Duration, timedOut bool, workerErrors map[string]int64) Summary {
	s := Summary{
		BillsProcessed:       len(artifacts),
		TotalBills:           target,
		TotalTimeSeconds:     elapsed.Seconds(),
		PerformanceTargetMet: elapsed < PerformanceTarget,
		TimedOut:             timedOut,
		WorkerErrors:         workerErrors,
		GeneratedAt:          time.Now().UTC(),
	}
	if s.WorkerErrors == nil {
		s.WorkerErrors = map[string]int64{}
	}
	for _, a := range artifacts {
		s.TotalWords += a.WordCount
		s.TotalLinks += a.LinkCount
	}
	if target > 0 {
		s.CompletionRate = float64(s.BillsProcessed) / float64(target)
	}
	if s.BillsProcessed > 0 {
		s.AverageTimePerBill = s.TotalTimeSeconds / float64(s.BillsProcessed)
	}
	if short := target - s.BillsProcessed; short > 0 {
		s.Shortfall = short
	}
	return s
}

// WriteSummary writes <dir>/summary.json.
func (s *FileSink) WriteSummary(sum Summary) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	return writeFile(filepath.Join(s.dir, "summary.json"), data)
}
