package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitted struct {
	name  string
	user  string
	group string
	args  datatask.Args
}

// recordingStarter submits through a Manager with a silent queue and keeps
// the submitted batches in order.
type recordingStarter struct {
	mu    sync.Mutex
	mgr   *datatask.Manager
	repo  *memory.Repository
	calls []submitted
	err   error
}

func newRecordingStarter() *recordingStarter {
	repo := memory.NewRepository()
	return &recordingStarter{
		repo: repo,
		mgr:  datatask.NewManager(repo, nopQueue{}, datatask.ManagerConfig{Logger: datatask.NopLogger}),
	}
}

func (s *recordingStarter) StartTask(ctx context.Context, name, user string, args datatask.Args, opts ...datatask.Option) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	id, err := s.mgr.StartTask(ctx, name, user, args, opts...)
	if err != nil {
		return "", err
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	s.calls = append(s.calls, submitted{name: name, user: user, group: t.Group, args: args})
	return id, nil
}

// shape renders each batch as "<count>x<LANGUAGE>".
func (s *recordingStarter) shape() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		docs := c.args["docs"].([]BatchDocument)
		out = append(out, fmt.Sprintf("%dx%s", len(docs), docs[0].Language))
	}
	return out
}

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, *datatask.Task) error { return nil }
func (nopQueue) Remove(context.Context, *datatask.Task) (bool, error) {
	return false, nil
}
func (nopQueue) RequestCancel(context.Context, datatask.CancelRequest) error { return nil }
func (nopQueue) Events(ctx context.Context, _ func(datatask.Event) error) error {
	<-ctx.Done()
	return nil
}

func languageDocs(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		lang := "ENGLISH"
		switch i % 4 {
		case 2:
			lang = "FRENCH"
		case 3:
			lang = "SPANISH"
		}
		docs[i] = Document{
			ID:           fmt.Sprintf("doc-%02d", i),
			RootDocument: fmt.Sprintf("doc-%02d", i),
			Project:      DefaultProject,
			Language:     lang,
			Content:      "content of " + lang,
		}
	}
	return docs
}

func TestFormer_Scenarios(t *testing.T) {
	cases := []struct {
		name       string
		batchSize  int
		scrollSize int
		want       []string
	}{
		{
			name:      "A",
			batchSize: 7, scrollSize: 3,
			want: []string{"7xENGLISH", "3xENGLISH", "5xFRENCH", "5xSPANISH"},
		},
		{
			name:      "B",
			batchSize: 3, scrollSize: 7,
			want: []string{
				"3xENGLISH", "3xENGLISH", "3xENGLISH", "1xENGLISH",
				"3xFRENCH", "2xFRENCH", "3xSPANISH", "2xSPANISH",
			},
		},
		{
			name:      "PageEqualsBatch",
			batchSize: 5, scrollSize: 5,
			want: []string{"5xENGLISH", "5xENGLISH", "5xFRENCH", "5xSPANISH"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			starter := newRecordingStarter()
			f := NewFormer(NewMemoryIndex(languageDocs(20)...), starter, Config{
				BatchSize:  c.batchSize,
				ScrollSize: c.scrollSize,
				User:       "alice",
			})
			ids, err := f.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.want, starter.shape())
			assert.Len(t, ids, len(c.want))
		})
	}
}

func TestFormer_ZeroDocumentsYieldsZeroBatches(t *testing.T) {
	starter := newRecordingStarter()
	ids, err := NewFormer(NewMemoryIndex(), starter, Config{BatchSize: 3, ScrollSize: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, starter.shape())
}

func TestFormer_BatchTaskArgs(t *testing.T) {
	starter := newRecordingStarter()
	idx := NewMemoryIndex(languageDocs(4)...)
	_, err := NewFormer(idx, starter, Config{
		BatchSize:     10,
		ScrollSize:    10,
		Pipeline:      "SPACY",
		MaxTextLength: 2048,
		User:          "alice",
	}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, starter.calls, 3)
	first := starter.calls[0]
	assert.Equal(t, BatchNlpTaskName, first.name)
	assert.Equal(t, "alice", first.user)
	assert.Equal(t, "nlp-spacy", first.group)
	assert.Equal(t, "SPACY", first.args["pipeline"])
	assert.Equal(t, 2048, first.args["maxLength"])
	assert.Equal(t, []BatchDocument{
		{ID: "doc-00", RootDocument: "doc-00", Project: DefaultProject, Language: "ENGLISH"},
		{ID: "doc-01", RootDocument: "doc-01", Project: DefaultProject, Language: "ENGLISH"},
	}, first.args["docs"])
}

func TestFormer_SkipsProcessedDocumentsAndOtherProjects(t *testing.T) {
	docs := languageDocs(8)
	docs[7].Project = "other"
	idx := NewMemoryIndex(docs...)
	idx.MarkProcessed(DefaultPipeline, "doc-00", "doc-01")

	starter := newRecordingStarter()
	_, err := NewFormer(idx, starter, Config{BatchSize: 10, ScrollSize: 10}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2xENGLISH", "2xFRENCH", "1xSPANISH"}, starter.shape())
}

func TestFormer_StartFailureStops(t *testing.T) {
	boom := errors.New("queue down")
	starter := newRecordingStarter()
	starter.err = boom
	ids, err := NewFormer(NewMemoryIndex(languageDocs(20)...), starter, Config{BatchSize: 3, ScrollSize: 7}).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, ids)
}

func TestFormer_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFormer(NewMemoryIndex(languageDocs(20)...), newRecordingStarter(), Config{BatchSize: 3, ScrollSize: 3}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemorySearcher_Paging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIndex(languageDocs(5)...).Search(nil).
		Limit(2).
		WithoutSource("content").
		Sort("language", Desc)

	var pages [][]Document
	for {
		page, err := s.Scroll(ctx, time.Second)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
	}
	require.Len(t, pages, 3)
	assert.Equal(t, int64(5), s.TotalHits())
	assert.Equal(t, "SPANISH", pages[0][0].Language)
	assert.Equal(t, "ENGLISH", pages[2][0].Language)
	assert.Empty(t, pages[0][0].Content)

	require.NoError(t, s.ClearScroll(ctx))
	page, err := s.Scroll(ctx, time.Second)
	require.NoError(t, err)
	assert.Len(t, page, 2, "a cleared scroll starts over")
}

func TestConfigFromArgs(t *testing.T) {
	cfg, err := ConfigFromArgs(datatask.Args{
		ArgBatchSize:      "7",
		ArgScrollSize:     float64(3),
		ArgScrollDuration: "5m",
		ArgPipeline:       "OPENNLP",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, 3, cfg.ScrollSize)
	assert.Equal(t, 5*time.Minute, cfg.ScrollDuration)
	assert.Equal(t, "OPENNLP", cfg.Pipeline)
	assert.Equal(t, DefaultProject, cfg.Project)
	assert.Equal(t, DefaultMaxTextLength, cfg.MaxTextLength)

	_, err = ConfigFromArgs(datatask.Args{ArgScrollDuration: "forever"})
	require.Error(t, err)
}

func TestConfig_WithArgsKeepsBase(t *testing.T) {
	cfg, err := Config{BatchSize: 64, Pipeline: "SPACY"}.WithArgs(datatask.Args{ArgScrollSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 10, cfg.ScrollSize)
	assert.Equal(t, "SPACY", cfg.Pipeline)
	assert.Equal(t, DefaultScrollDuration, cfg.ScrollDuration)
}

func TestRegister_RunsFormerAsTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := memory.NewRepository()
	tr := memory.NewTransport(memory.TransportConfig{})
	defer tr.Close()
	mgr := datatask.NewManager(repo, tr, datatask.ManagerConfig{Logger: datatask.NopLogger})
	go func() { _ = mgr.Run(ctx) }()

	reg := datatask.NewRegistry()
	Register(reg, NewMemoryIndex(languageDocs(20)...), mgr, Config{Pipeline: "SPACY", Logger: datatask.NopLogger})
	loop := datatask.NewWorkerLoop(reg, tr, datatask.WorkerConfig{PollTimeout: 50 * time.Millisecond, Logger: datatask.NopLogger})
	go func() { _, _ = loop.Run(ctx) }()

	id, err := mgr.StartTask(ctx, CreateBatchesTaskName, "alice", datatask.Args{
		ArgBatchSize:  7,
		ArgScrollSize: 3,
	})
	require.NoError(t, err)

	var got *datatask.Task
	require.Eventually(t, func() bool {
		got, err = mgr.GetTask(ctx, id)
		return err == nil && got.State == datatask.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	var batchIDs []string
	require.NoError(t, datatask.DefaultEncoder.Decode(got.Result, &batchIDs))
	require.Len(t, batchIDs, 4)

	batches, err := mgr.GetTasks(ctx, datatask.TaskFilter{Name: "BatchNlpTask"})
	require.NoError(t, err)
	require.Len(t, batches, 4)
	for _, b := range batches {
		assert.Equal(t, "alice", b.User)
		assert.Equal(t, "nlp-spacy", b.Group)
		assert.Equal(t, datatask.StateQueued, b.State)
	}
}
