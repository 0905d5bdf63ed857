package datatask

import (
	"encoding/json"
	"fmt"
	"testing"
)

func benchTask(docs int) *Task {
	ids := make([]any, docs)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%06d", i)
	}
	return &Task{
		ID:         "2f1c0f5e-7b8a-4d7e-9c43-4f0a2b1d9e11",
		Name:       "org.icij.datashare.tasks.BatchNlpTask",
		User:       "alice",
		Group:      "nlp-corenlp",
		Args:       Args{"docs": ids, "pipeline": "CORENLP", "maxLength": float64(1024)},
		State:      StateQueued,
		MaxRetries: -1,
		CreatedAt:  1700000000000,
	}
}

func BenchmarkEncodeTask(b *testing.B) {
	for _, n := range []int{1, 64, 1024} {
		t := benchTask(n)
		b.Run(fmt.Sprintf("docs=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := EncodeTask(t); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkDecodeTask(b *testing.B) {
	for _, n := range []int{1, 64, 1024} {
		data, err := EncodeTask(benchTask(n))
		if err != nil {
			b.Fatal(err)
		}
		b.Run(fmt.Sprintf("Sonic/docs=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := DecodeTask(data); err != nil {
					b.Fatal(err)
				}
			}
		})
		b.Run(fmt.Sprintf("Stdlib/docs=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				var t Task
				if err := json.Unmarshal(data, &t); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkEncodeEvent(b *testing.B) {
	e := ProgressEvent("2f1c0f5e-7b8a-4d7e-9c43-4f0a2b1d9e11", 0.42)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeEvent(e); err != nil {
			b.Fatal(err)
		}
	}
}
