package pipeline

import (
	"context"
	"fmt"
	"strings"

	"botforge/internal/logging"
	"botforge/internal/provider"
	"botforge/internal/sandbox"
)

// chunkSize is how much content each re-emitted chunk carries when a
// backend has no native streaming.
const chunkSize = 400

// StreamEventType labels one streamed event.
type StreamEventType string

const (
	StreamStatus  StreamEventType = "status"
	StreamMeta    StreamEventType = "meta"
	StreamContent StreamEventType = "content"
	StreamDone    StreamEventType = "done"
	StreamError   StreamEventType = "error"
)

// StreamEvent is one incremental event of a streamed execution.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Content carries the delta for content events and the message for
	// status and error events.
	Content string `json:"content,omitempty"`
	// Meta is populated once, after a backend has been committed to.
	Meta *StreamMetadata `json:"meta,omitempty"`
	// Result is populated on the terminal done event.
	Result *TaskResult `json:"result,omitempty"`
}

// StreamMetadata reports the backend serving the stream before content
// flows.
type StreamMetadata struct {
	Provider      string   `json:"provider"`
	Model         string   `json:"model,omitempty"`
	FilesAnalyzed int      `json:"files_analyzed"`
	FileList      []string `json:"file_list"`
	NativeStream  bool     `json:"native_stream"`
}

// ExecuteStream runs a task emitting incremental events on the returned
// channel. The channel is closed after the terminal done or error event.
// The flow mirrors Execute: gateway first when connected, then the
// router's fallback order — a backend that fails before any content has
// reached the caller is abandoned for the next one. Backends without
// native streaming run to completion and re-emit their response in
// fixed-size chunks, so callers see the same event shape either way.
func (r *Runner) ExecuteStream(ctx context.Context, task *Task) (<-chan StreamEvent, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	go r.runStream(ctx, task, events)
	return events, nil
}

func (r *Runner) runStream(ctx context.Context, task *Task, events chan<- StreamEvent) {
	defer close(events)

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	emit(StreamEvent{Type: StreamStatus, Content: "gathering project files"})

	system := r.buildSystemPrompt(task.Skill, &task.Role)
	bundle := r.box.Gather(task.TargetPaths, task.ExcludePaths)

	req := &provider.Request{
		Model:  task.Model,
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: buildUserPrompt("Perform the "+task.Skill+" task on the project files below.", bundle, "")},
		},
	}

	if r.gw != nil && r.gw.Connected() {
		content, err := r.generateViaGateway(ctx, task.Skill, req)
		if err == nil {
			meta := &StreamMetadata{
				Provider:      "gateway",
				Model:         task.Model,
				FilesAnalyzed: bundle.FileCount,
				FileList:      bundle.Files,
			}
			if !emit(StreamEvent{Type: StreamMeta, Meta: meta}) {
				return
			}
			emit(StreamEvent{Type: StreamStatus, Content: "generating with gateway"})
			if !emitChunks(content, emit) {
				return
			}
			r.finishStream(task, bundle, content, "gateway", emit)
			return
		}
		logging.PipelineWarn("gateway execution failed, falling back to router: %v", err)
	}

	selected, err := r.router.SelectBest(req)
	if err != nil {
		emit(StreamEvent{Type: StreamError, Content: err.Error()})
		return
	}

	var lastErr error
	for _, svc := range r.router.FallbackOrder(selected) {
		content, started, err := r.streamFrom(ctx, svc, req, bundle, task.Model, emit)
		if err == nil {
			r.finishStream(task, bundle, content, svc.Name(), emit)
			return
		}
		if started {
			// Content already reached the caller; switching backends now
			// would restart the answer mid-stream.
			emit(StreamEvent{Type: StreamError, Content: err.Error()})
			return
		}
		lastErr = err
		logging.PipelineWarn("backend %s failed: %v", svc.Name(), err)
	}
	emit(StreamEvent{Type: StreamError, Content: fmt.Sprintf("%v: %v", provider.ErrAllProvidersFailed, lastErr)})
}

// streamFrom runs one backend attempt. started reports whether meta or
// content events were emitted; until then the caller is free to fall back
// to another backend.
func (r *Runner) streamFrom(ctx context.Context, svc provider.Service, req *provider.Request, bundle sandbox.Bundle, model string, emit func(StreamEvent) bool) (string, bool, error) {
	meta := &StreamMetadata{
		Provider:      svc.Name(),
		Model:         model,
		FilesAnalyzed: bundle.FileCount,
		FileList:      bundle.Files,
		NativeStream:  svc.SupportsStreaming(),
	}

	if !svc.SupportsStreaming() {
		resp, err := svc.Generate(ctx, req)
		if err != nil {
			return "", false, err
		}
		if !emit(StreamEvent{Type: StreamMeta, Meta: meta}) {
			return "", true, ctx.Err()
		}
		emit(StreamEvent{Type: StreamStatus, Content: "generating with " + svc.Name()})
		if !emitChunks(resp.Content, emit) {
			return "", true, ctx.Err()
		}
		return resp.Content, true, nil
	}

	chunks, errs := svc.GenerateStream(ctx, req)
	var full strings.Builder
	started := false
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !started {
				started = true
				if !emit(StreamEvent{Type: StreamMeta, Meta: meta}) {
					return full.String(), true, ctx.Err()
				}
				emit(StreamEvent{Type: StreamStatus, Content: "generating with " + svc.Name()})
			}
			full.WriteString(chunk)
			if !emit(StreamEvent{Type: StreamContent, Content: chunk}) {
				return full.String(), true, ctx.Err()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return full.String(), started, err
			}
		case <-ctx.Done():
			return full.String(), started, ctx.Err()
		}
	}

	// A stream that completed without a single delta still gets its meta so
	// the event shape stays uniform.
	if !started {
		if !emit(StreamEvent{Type: StreamMeta, Meta: meta}) {
			return full.String(), true, ctx.Err()
		}
	}
	return full.String(), true, nil
}

// emitChunks re-emits bulk content in fixed-size chunks.
func emitChunks(content string, emit func(StreamEvent) bool) bool {
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		if !emit(StreamEvent{Type: StreamContent, Content: content[off:end]}) {
			return false
		}
	}
	return true
}

// finishStream builds the terminal result, anchors it, and emits done.
func (r *Runner) finishStream(task *Task, bundle sandbox.Bundle, content, providerName string, emit func(StreamEvent) bool) {
	issues, suggestions := CountFindings(content)
	result := &TaskResult{
		BotID:          task.BotID,
		Skill:          task.Skill,
		Specialization: task.Specialization,
		Provider:       providerName,
		Model:          task.Model,
		Response:       content,
		Summary:        SummaryLine(content),
		IssuesFound:    issues,
		Suggestions:    suggestions,
		FilesAnalyzed:  bundle.FileCount,
		FileList:       bundle.Files,
	}

	r.anchor(recordFor(task, result))
	logging.Pipeline("streamed skill=%s provider=%s", task.Skill, providerName)
	emit(StreamEvent{Type: StreamDone, Result: result})
}
