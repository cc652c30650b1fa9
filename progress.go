package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"

	"github.com/civitai-downloader/civitai-go/internal/engine"
)

// jsonSink writes each event as one JSON line, for machine consumption.
type jsonSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{enc: json.NewEncoder(w)}
}

func (s *jsonSink) Emit(ev engine.Event) {
	record := map[string]any{
		"type": string(ev.Type),
		"time": ev.Time,
	}

	switch ev.Type {
	case engine.EventDownloadStarted:
		record["task_id"] = ev.TaskID
		record["kind"] = ev.Kind
		record["url"] = ev.URL
		record["destination"] = ev.Destination
		record["bytes_total"] = ev.BytesTotal
		record["attempt"] = ev.Attempt
	case engine.EventDownloadProgress:
		record["task_id"] = ev.TaskID
		record["bytes_completed"] = ev.BytesCompleted
		record["bytes_total"] = ev.BytesTotal
	case engine.EventDownloadCompleted:
		record["task_id"] = ev.TaskID
		record["bytes"] = ev.Bytes
		record["duration_s"] = ev.DurationS
		record["throughput_mbps"] = ev.ThroughputMbps
	case engine.EventDownloadFailed:
		record["task_id"] = ev.TaskID
		record["error_class"] = ev.ErrorClass
		record["message"] = ev.Message
		record["attempt"] = ev.Attempt
	case engine.EventPipelineStats:
		record["pipeline"] = ev.Pipeline
		record["active"] = ev.Active
		record["queued"] = ev.Queued
		record["error_rate"] = ev.ErrorRate
		record["filter_accepted"] = ev.FilterAccepted
		record["filter_rejected"] = ev.FilterRejected
	case engine.EventSupervisorMode:
		record["from"] = ev.From
		record["to"] = ev.To
		record["reason"] = ev.Reason
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.enc.Encode(record)
}

// progressSink renders one aggregate byte-progress bar across all
// in-flight downloads on an interactive terminal.
type progressSink struct {
	mu      sync.Mutex
	bar     *pb.ProgressBar
	perTask map[string]int64
	total   int64
}

func newProgressSink() *progressSink {
	bar := pb.New64(0)
	bar.Set(pb.Bytes, true)
	bar.Start()

	return &progressSink{
		bar:     bar,
		perTask: make(map[string]int64),
	}
}

func (s *progressSink) Emit(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case engine.EventDownloadStarted:
		if ev.BytesTotal > 0 {
			s.total += ev.BytesTotal
			s.bar.SetTotal(s.total)
		}

		if ev.BytesCompleted > 0 {
			s.advance(ev.TaskID, ev.BytesCompleted)
		}

	case engine.EventDownloadProgress:
		s.advance(ev.TaskID, ev.BytesCompleted)

	case engine.EventDownloadCompleted:
		s.advance(ev.TaskID, ev.Bytes)
		delete(s.perTask, ev.TaskID)
	}
}

// advance moves the aggregate bar by the delta since the task's last
// report. Caller holds s.mu.
func (s *progressSink) advance(taskID string, completed int64) {
	prev := s.perTask[taskID]
	if completed <= prev {
		return
	}

	s.perTask[taskID] = completed
	s.bar.Add64(completed - prev)
}

func (s *progressSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bar.Finish()
}
