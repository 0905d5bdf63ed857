// Package batch re-partitions the documents of an index into language
// homogeneous batches and submits each batch as a new NLP task.
package batch

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// SortOrder is the direction of Searcher.Sort.
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// Document is an indexed document as seen by the batch engine.
type Document struct {
	ID                string   `json:"id"`
	RootDocument      string   `json:"rootDocument"`
	Project           string   `json:"project"`
	Language          string   `json:"language"`
	Content           string   `json:"content,omitempty"`
	ContentTranslated string   `json:"contentTranslated,omitempty"`
	Pipelines         []string `json:"pipelines,omitempty"`
}

// BatchDocument is the reference to a document carried in the args of a batch task.
type BatchDocument struct {
	ID           string `json:"id"`
	RootDocument string `json:"rootDocument"`
	Project      string `json:"project"`
	Language     string `json:"language"`
}

func batchDocument(d Document) BatchDocument {
	return BatchDocument{ID: d.ID, RootDocument: d.RootDocument, Project: d.Project, Language: d.Language}
}

// Index is the search collaborator of the engine.
type Index interface {
	Search(projects []string) Searcher
}

// Searcher builds a query and then pages through its results with a scroll cursor.
type Searcher interface {
	// Without excludes documents already processed by pipeline.
	Without(pipeline string) Searcher
	// Limit sets the page size of Scroll.
	Limit(n int) Searcher
	// WithoutSource drops the named fields from returned documents.
	WithoutSource(fields ...string) Searcher
	Sort(field string, order SortOrder) Searcher
	// Scroll returns the next page. The cursor is kept alive for keepAlive.
	// An empty page means the results are exhausted.
	Scroll(ctx context.Context, keepAlive time.Duration) ([]Document, error)
	// TotalHits is the size of the result set, known after the first Scroll.
	TotalHits() int64
	ClearScroll(ctx context.Context) error
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryIndex returns an index holding docs.
func NewMemoryIndex(docs ...Document) *MemoryIndex {
	idx := &MemoryIndex{}
	idx.Add(docs...)
	return idx
}

// Add indexes docs.
func (m *MemoryIndex) Add(docs ...Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		d.Pipelines = slices.Clone(d.Pipelines)
		m.docs = append(m.docs, d)
	}
}

// MarkProcessed records that pipeline ran on the documents with the given ids.
func (m *MemoryIndex) MarkProcessed(pipeline string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.docs {
		if slices.Contains(ids, m.docs[i].ID) && !slices.Contains(m.docs[i].Pipelines, pipeline) {
			m.docs[i].Pipelines = append(m.docs[i].Pipelines, pipeline)
		}
	}
}

func (m *MemoryIndex) Search(projects []string) Searcher {
	return &memorySearcher{idx: m, projects: slices.Clone(projects), limit: 10}
}

type memorySearcher struct {
	idx      *MemoryIndex
	projects []string
	without  string
	limit    int
	excluded []string
	sortBy   string
	order    SortOrder

	hits   []Document
	cursor int
	open   bool
}

func (s *memorySearcher) Without(pipeline string) Searcher {
	s.without = pipeline
	return s
}

func (s *memorySearcher) Limit(n int) Searcher {
	if n > 0 {
		s.limit = n
	}
	return s
}

func (s *memorySearcher) WithoutSource(fields ...string) Searcher {
	s.excluded = append(s.excluded, fields...)
	return s
}

func (s *memorySearcher) Sort(field string, order SortOrder) Searcher {
	s.sortBy, s.order = field, order
	return s
}

// Scroll snapshots the matching documents on its first call.
func (s *memorySearcher) Scroll(ctx context.Context, _ time.Duration) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.open {
		s.hits = s.query()
		s.cursor = 0
		s.open = true
	}
	end := min(s.cursor+s.limit, len(s.hits))
	page := make([]Document, 0, end-s.cursor)
	for _, d := range s.hits[s.cursor:end] {
		page = append(page, s.project(d))
	}
	s.cursor = end
	return page, nil
}

func (s *memorySearcher) TotalHits() int64 { return int64(len(s.hits)) }

func (s *memorySearcher) ClearScroll(context.Context) error {
	s.hits, s.cursor, s.open = nil, 0, false
	return nil
}

func (s *memorySearcher) query() []Document {
	s.idx.mu.RLock()
	var hits []Document
	for _, d := range s.idx.docs {
		if len(s.projects) > 0 && !slices.Contains(s.projects, d.Project) {
			continue
		}
		if s.without != "" && slices.Contains(d.Pipelines, s.without) {
			continue
		}
		hits = append(hits, d)
	}
	s.idx.mu.RUnlock()

	key := sortKey(s.sortBy)
	if key == nil {
		return hits
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if s.order == Desc {
			return key(hits[j]) < key(hits[i])
		}
		return key(hits[i]) < key(hits[j])
	})
	return hits
}

func (s *memorySearcher) project(d Document) Document {
	d.Pipelines = slices.Clone(d.Pipelines)
	for _, f := range s.excluded {
		switch f {
		case "content":
			d.Content = ""
		case "contentTranslated":
			d.ContentTranslated = ""
		case "rootDocument":
			d.RootDocument = ""
		case "language":
			d.Language = ""
		}
	}
	return d
}

func sortKey(field string) func(Document) string {
	switch field {
	case "language":
		return func(d Document) string { return d.Language }
	case "id", "_id":
		return func(d Document) string { return d.ID }
	case "project":
		return func(d Document) string { return d.Project }
	default:
		return nil
	}
}
