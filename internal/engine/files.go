package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"pii-engine/internal/applier"
	"pii-engine/internal/extract"
	"pii-engine/internal/mapping"
	"pii-engine/internal/recognizer"
	"pii-engine/internal/resolver"
	"pii-engine/internal/template"
)

// FilesRequest is a process_files call.
type FilesRequest struct {
	Files             []string                      `json:"files"`
	Action            string                        `json:"action"`
	TemplateID        string                        `json:"template_id,omitempty"`
	TemplateName      string                        `json:"template_name,omitempty"`
	TemplateRequired  bool                          `json:"template_required,omitempty"`
	CustomRecognizers []recognizer.CustomRecognizer `json:"custom_recognizers,omitempty"`
	SaveTemplate      bool                          `json:"save_template,omitempty"`
	MinConfidence     *float64                      `json:"min_confidence,omitempty"`
}

// FileItem is an item found in one segment of a file. Offsets are relative
// to that segment.
type FileItem struct {
	applier.Item
	Segment int `json:"segment"`
}

// FileResult is the outcome for one file. Exactly one of Text or Error is
// meaningful.
type FileResult struct {
	File  string     `json:"file"`
	Text  string     `json:"text,omitempty"`
	Items []FileItem `json:"items,omitempty"`
	Error string     `json:"error,omitempty"`
	Err   error      `json:"-"`
}

// Failed reports whether the file produced an error.
func (r FileResult) Failed() bool { return r.Err != nil }

// BatchResult is the outcome of ProcessFiles. Files are in request order.
type BatchResult struct {
	RequestID       string               `json:"request_id"`
	Files           []FileResult         `json:"files"`
	Warnings        []recognizer.Warning `json:"warnings,omitempty"`
	TemplateID      string               `json:"template_id,omitempty"`
	TemplateMissing bool                 `json:"template_missing,omitempty"`
}

// scanned is one file after extraction and detection.
type scanned struct {
	doc   *extract.Document
	texts []string
	spans [][]resolver.Span
	err   error
}

// ProcessFiles runs the pipeline over every file. Extraction and detection
// run concurrently up to the worker limit; mapping then runs file by file
// in request order over one scope, so ordinals do not depend on scheduling.
// A file's failure is reported in its FileResult. The returned error is
// only for request-level problems: a bad action or threshold, a mandatory
// template that could not be loaded, or a failed template save.
func (e *Engine) ProcessFiles(ctx context.Context, req FilesRequest) (*BatchResult, error) {
	start := time.Now()
	e.metrics.FileRequests.Add(1)

	action, err := mapping.ParseAction(req.Action)
	if err != nil {
		e.metrics.ErrorsProcess.Add(1)
		return nil, err
	}
	minConf, err := e.threshold(req.MinConfidence)
	if err != nil {
		e.metrics.ErrorsProcess.Add(1)
		return nil, err
	}

	batch := &BatchResult{RequestID: uuid.NewString(), Files: make([]FileResult, len(req.Files))}
	recs, warnings := e.activeRecognizers(batch.RequestID, req.CustomRecognizers)
	batch.Warnings = warnings

	ref := template.Ref{ID: req.TemplateID, Name: req.TemplateName}
	sess, err := e.open(ctx, ref, req.TemplateName, req.SaveTemplate, req.TemplateRequired)
	if err != nil {
		return nil, err
	}
	defer sess.close()
	batch.TemplateMissing = sess.missing
	batch.TemplateID = sess.base.ID

	results := e.scanAll(ctx, req.Files, recs, minConf)
	render := func(scope *mapping.Scope) {
		for i, path := range req.Files {
			batch.Files[i] = rewriteFile(path, results[i], scope, action)
		}
	}
	render(sess.scope)

	if req.SaveTemplate {
		saved, err := e.commit(ctx, sess, render)
		if err != nil {
			return nil, err
		}
		batch.TemplateID = saved.ID
	}
	e.recordScope(sess.scope)

	failed := 0
	for _, fr := range batch.Files {
		if fr.Failed() {
			failed++
			e.metrics.FilesFailed.Add(1)
			e.log.Warnf("process_files", "request=%s file=%s: %v", batch.RequestID, fr.File, fr.Err)
			continue
		}
		e.metrics.FilesProcessed.Add(1)
		for _, it := range fr.Items {
			e.metrics.RecordEntity(it.EntityType)
		}
		e.metrics.EntitiesReplaced.Add(int64(len(fr.Items)))
	}

	elapsed := time.Since(start)
	e.metrics.RecordProcessLatency(elapsed)
	e.log.Infof("process_files", "request=%s action=%s files=%d failed=%d template=%s duration=%s",
		batch.RequestID, action, len(req.Files), failed, batch.TemplateID, elapsed.Round(time.Microsecond))
	return batch, nil
}

// scanAll extracts and analyzes files with at most e.workers in flight.
// Once ctx is done, files not yet started get ctx's error.
func (e *Engine) scanAll(ctx context.Context, files []string, recs []recognizer.Recognizer, minConf float64) []scanned {
	out := make([]scanned, len(files))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, path := range files {
		select {
		case <-ctx.Done():
			out[i].err = ctx.Err()
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					out[i] = scanned{err: fmt.Errorf("panic while processing: %v", r)}
				}
			}()
			out[i] = e.scan(ctx, path, recs, minConf)
		}(i, path)
	}
	wg.Wait()
	return out
}

func (e *Engine) scan(ctx context.Context, path string, recs []recognizer.Recognizer, minConf float64) scanned {
	doc, err := e.extractor.Extract(ctx, path)
	if err != nil {
		return scanned{err: err}
	}
	s := scanned{doc: doc, texts: make([]string, len(doc.Segments)), spans: make([][]resolver.Span, len(doc.Segments))}
	for i, seg := range doc.Segments {
		if err := ctx.Err(); err != nil {
			return scanned{err: err}
		}
		s.texts[i] = seg
		s.spans[i] = e.analyze(seg, recs, minConf)
	}
	return s
}

// rewriteFile renders one scanned file against scope. It is run again for
// every file when a template save has to be retried.
func rewriteFile(path string, s scanned, scope *mapping.Scope, action mapping.Action) FileResult {
	fr := FileResult{File: filepath.Base(path)}
	if s.err != nil {
		fr.Err = s.err
		fr.Error = s.err.Error()
		return fr
	}
	out := make([]string, len(s.texts))
	fr.Items = []FileItem{}
	for i, text := range s.texts {
		var items []applier.Item
		out[i], items = rewrite(text, s.spans[i], scope, action)
		for _, it := range items {
			fr.Items = append(fr.Items, FileItem{Item: it, Segment: i})
		}
	}
	text, err := s.doc.Assemble(out)
	if err != nil {
		fr.Items = nil
		fr.Err = err
		fr.Error = err.Error()
		return fr
	}
	fr.Text = text
	return fr
}
