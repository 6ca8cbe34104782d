package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pii-engine/internal/mapping"
	"pii-engine/internal/template"
)

// session is the mapping scope of one request and the template it came from.
type session struct {
	name    string
	base    template.Template
	scope   *mapping.Scope
	missing bool
	unlocks []func()
}

func (s *session) hold(unlock func()) { s.unlocks = append(s.unlocks, unlock) }

func (s *session) close() {
	for i := len(s.unlocks) - 1; i >= 0; i-- {
		s.unlocks[i]()
	}
	s.unlocks = nil
}

// open loads the scope for ref. When save is set the template's writer lock
// is held until close.
func (e *Engine) open(ctx context.Context, ref template.Ref, name string, save, required bool) (*session, error) {
	sess := &session{name: name}
	if ref.IsZero() {
		if required {
			return nil, fmt.Errorf("%w: no template id or name given", ErrTemplateRequired)
		}
		sess.scope = mapping.NewScope()
		return sess, nil
	}

	tpl, err := e.lockAndLoad(ctx, sess, ref, save)
	switch {
	case err == nil:
		sess.base = tpl
		sess.scope = mapping.ScopeFromEntries(tpl.Entries)
		e.log.Debugf("template_load", "template %s v%d loaded with %d entries", tpl.ID, tpl.Version, len(tpl.Entries))
	case errors.Is(err, template.ErrNotFound):
		e.metrics.TemplateMisses.Add(1)
		if required {
			sess.close()
			return nil, fmt.Errorf("%w: %w", ErrTemplateRequired, err)
		}
		e.log.Warnf("template_load", "%v, continuing with a fresh scope", err)
		sess.missing = true
		sess.base = template.Template{ID: ref.ID, Name: ref.Name}
		sess.scope = mapping.NewScope()
	default:
		e.metrics.ErrorsTemplate.Add(1)
		sess.close()
		return nil, fmt.Errorf("load template %s: %w", ref, err)
	}
	return sess, nil
}

// lockAndLoad loads ref, taking the writer locks first when save is set.
// A lookup by name also locks the id it resolves to and reloads under
// that lock, so it serializes with writers addressing the template by id.
// Locks are always taken name first, then id.
func (e *Engine) lockAndLoad(ctx context.Context, sess *session, ref template.Ref, save bool) (template.Template, error) {
	if save {
		sess.hold(e.writers.Lock(ref.String()))
	}
	tpl, err := e.load(ctx, ref)
	if err != nil || !save || ref.ID != "" {
		return tpl, err
	}
	sess.hold(e.writers.Lock(tpl.ID))
	return e.load(ctx, template.Ref{ID: tpl.ID})
}

func (e *Engine) load(ctx context.Context, ref template.Ref) (template.Template, error) {
	start := time.Now()
	tpl, err := e.store.Load(ctx, ref)
	e.metrics.RecordTemplateLatency(time.Since(start))
	e.metrics.TemplateLoads.Add(1)
	return tpl, err
}

// commit writes the session scope back to its template. On a version
// conflict the latest record is reloaded, the scope is rebuilt from it and
// render runs again so the caller's output matches what gets stored; then
// the save is retried once.
func (e *Engine) commit(ctx context.Context, sess *session, render func(*mapping.Scope)) (template.Template, error) {
	target := sess.base
	for attempt := 0; ; attempt++ {
		changed := len(sess.scope.Changed())
		if target.Version > 0 && changed == 0 && (sess.name == "" || sess.name == target.Name) {
			return target, nil
		}
		if sess.name != "" {
			target.Name = sess.name
		}
		target.Entries = sess.scope.All()

		start := time.Now()
		saved, err := e.store.Save(ctx, target)
		e.metrics.RecordTemplateLatency(time.Since(start))
		if err == nil {
			e.metrics.TemplateSaves.Add(1)
			e.log.Infof("template_save", "template %s saved at v%d with %d entries (%d new or changed)",
				saved.ID, saved.Version, len(saved.Entries), changed)
			return saved, nil
		}
		if !errors.Is(err, template.ErrConflict) || attempt > 0 {
			return template.Template{}, e.saveFailed(target.ID, err)
		}
		e.metrics.TemplateConflicts.Add(1)
		e.log.Warnf("template_save", "template %s changed concurrently, re-rendering against the latest version", target.ID)

		latest, err := e.load(ctx, template.Ref{ID: target.ID})
		if err != nil {
			return template.Template{}, e.saveFailed(target.ID, err)
		}
		sess.base = latest
		sess.scope = mapping.ScopeFromEntries(latest.Entries)
		render(sess.scope)
		target = latest
	}
}

func (e *Engine) saveFailed(id string, err error) error {
	e.metrics.ErrorsTemplate.Add(1)
	e.log.Errorf("template_save", "save %s: %v", id, err)
	return fmt.Errorf("save template: %w", err)
}
