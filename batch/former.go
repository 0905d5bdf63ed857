package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/UniQw/datatask"
)

const (
	// BatchNlpTaskName is the task processing one batch of documents.
	BatchNlpTaskName = "org.icij.datashare.tasks.BatchNlpTask"
	// CreateBatchesTaskName is the task running a Former.
	CreateBatchesTaskName = "org.icij.datashare.tasks.CreateNlpBatchesFromIndex"
)

// Defaults of Config.
const (
	DefaultBatchSize      = 1024
	DefaultScrollSize     = 1000
	DefaultScrollDuration = time.Minute
	DefaultProject        = "local-datashare"
	DefaultPipeline       = "CORENLP"
	DefaultMaxTextLength  = 1024 * 1024
)

// Starter submits tasks. *datatask.Manager implements it.
type Starter interface {
	StartTask(ctx context.Context, name, user string, args datatask.Args, opts ...datatask.Option) (string, error)
}

// Config defines how a Former scrolls the index and sizes batches.
type Config struct {
	// BatchSize is the number of documents per batch.
	BatchSize int
	// ScrollSize is the page size of the scroll.
	ScrollSize int
	// ScrollDuration keeps the scroll cursor alive between pages.
	ScrollDuration time.Duration
	// Project is the index project to scan.
	Project string
	// Pipeline is the NLP pipeline of the batches. Documents it already
	// processed are skipped.
	Pipeline string
	// MaxTextLength is passed to the batch tasks as maxLength.
	MaxTextLength int
	// User owns the submitted batch tasks.
	User string
	// Logger is the logger used for batch events.
	Logger datatask.Logger
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ScrollSize <= 0 {
		c.ScrollSize = DefaultScrollSize
	}
	if c.ScrollDuration <= 0 {
		c.ScrollDuration = DefaultScrollDuration
	}
	if c.Project == "" {
		c.Project = DefaultProject
	}
	if c.Pipeline == "" {
		c.Pipeline = DefaultPipeline
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = DefaultMaxTextLength
	}
	if c.Logger == nil {
		c.Logger = datatask.NopLogger
	}
}

// NlpGroup is the routing group of the batch tasks of pipeline.
func NlpGroup(pipeline string) string { return "nlp-" + strings.ToLower(pipeline) }

// Former scrolls an index sorted by language and submits batches of at most
// BatchSize documents that never mix languages.
type Former struct {
	idx     Index
	starter Starter
	cfg     Config
	log     datatask.Logger

	batch    []Document
	language string
	ids      []string
}

// NewFormer creates a Former reading idx and submitting through starter.
func NewFormer(idx Index, starter Starter, cfg Config) *Former {
	cfg.setDefaults()
	return &Former{idx: idx, starter: starter, cfg: cfg, log: cfg.Logger}
}

// Run scans the index and returns the ids of the submitted batch tasks in
// submission order. It stops after the first page smaller than ScrollSize.
// A Former is not reusable.
func (f *Former) Run(ctx context.Context) ([]string, error) {
	s := f.idx.Search([]string{f.cfg.Project}).
		Without(f.cfg.Pipeline).
		Limit(f.cfg.ScrollSize).
		WithoutSource("content", "contentTranslated").
		Sort("language", Asc)
	defer func() {
		if err := s.ClearScroll(context.WithoutCancel(ctx)); err != nil {
			f.log.Warnf("batch: clear scroll failed: %v", err)
		}
	}()

	f.batch = make([]Document, 0, f.cfg.BatchSize)
	page, err := s.Scroll(ctx, f.cfg.ScrollDuration)
	if err != nil {
		return nil, fmt.Errorf("batch: scroll: %w", err)
	}
	total := s.TotalHits()
	f.log.Infof("batch: pushing batches of %d docs for project=%s pipeline=%s scroll=%s/%d batch=%d",
		total, f.cfg.Project, f.cfg.Pipeline, f.cfg.ScrollDuration, f.cfg.ScrollSize, f.cfg.BatchSize)

	var seen int64
	for {
		if err := f.consume(ctx, page); err != nil {
			return f.ids, err
		}
		seen += int64(len(page))
		if total > 0 {
			datatask.ReportProgress(ctx, float64(seen)/float64(total))
		}
		if len(page) < f.cfg.ScrollSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return f.ids, err
		}
		if page, err = s.Scroll(ctx, f.cfg.ScrollDuration); err != nil {
			return f.ids, fmt.Errorf("batch: scroll: %w", err)
		}
	}
	if len(f.batch) > 0 {
		if err := f.flush(ctx); err != nil {
			return f.ids, err
		}
	}
	f.log.Infof("batch: queued %d batches for %d docs", len(f.ids), seen)
	return f.ids, nil
}

// consume appends the documents of page language by language, in ascending
// language order, flushing on language change and when the batch is full.
func (f *Former) consume(ctx context.Context, page []Document) error {
	byLanguage := make(map[string][]Document)
	for _, d := range page {
		byLanguage[d.Language] = append(byLanguage[d.Language], d)
	}
	languages := make([]string, 0, len(byLanguage))
	for l := range byLanguage {
		languages = append(languages, l)
	}
	sort.Strings(languages)

	for _, l := range languages {
		if l != f.language {
			if len(f.batch) > 0 {
				if err := f.flush(ctx); err != nil {
					return err
				}
			}
			f.language = l
		}
		for _, d := range byLanguage[l] {
			f.batch = append(f.batch, d)
			if len(f.batch) >= f.cfg.BatchSize {
				if err := f.flush(ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (f *Former) flush(ctx context.Context) error {
	docs := make([]BatchDocument, len(f.batch))
	for i, d := range f.batch {
		docs[i] = batchDocument(d)
	}
	args := datatask.Args{
		"docs":      docs,
		"pipeline":  f.cfg.Pipeline,
		"maxLength": f.cfg.MaxTextLength,
	}
	id, err := f.starter.StartTask(ctx, BatchNlpTaskName, f.cfg.User, args, datatask.Group(NlpGroup(f.cfg.Pipeline)))
	if err != nil {
		return fmt.Errorf("batch: start batch of %d %s docs: %w", len(docs), f.language, err)
	}
	f.log.Debugf("batch: queued id=%s language=%s docs=%d", id, f.language, len(docs))
	f.ids = append(f.ids, id)
	f.batch = f.batch[:0]
	return nil
}
