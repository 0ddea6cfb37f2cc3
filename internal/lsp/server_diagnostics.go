package lsp

import (
	"sort"

	"mixerls/internal/spell"
)

const diagnosticSource = "ex"

// validateDocument scans one document, publishes its diagnostics and hands
// the finding count to the overlay. Publishing never waits on the overlay.
func (s *Server) validateDocument(uri, text string) {
	s.mu.Lock()
	maxProblems := s.settings.MaxNumberOfProblems
	related := s.relatedInfo
	trace := s.settings.Trace
	s.mu.Unlock()

	findings := spell.Scan(text, maxProblems)
	diags := toLSPDiagnostics(uri, findings, related)

	s.mu.Lock()
	if _, open := s.openDocs[uri]; !open {
		s.mu.Unlock()
		return
	}
	s.published[uri] = struct{}{}
	s.lastCount = len(findings)
	s.mu.Unlock()

	if err := s.sendPublish(uri, diags); err != nil {
		s.logf("failed to publish diagnostics: %v", err)
	}
	if trace {
		s.logf("publishDiagnostics: uri=%s diags=%d", uri, len(diags))
	}
	s.queue.Submit(len(findings))
}

// revalidateAll re-runs validation for every open document in URI order.
func (s *Server) revalidateAll() {
	s.mu.Lock()
	uris := make([]string, 0, len(s.openDocs))
	for uri := range s.openDocs {
		uris = append(uris, uri)
	}
	texts := make(map[string]string, len(s.openDocs))
	for uri, text := range s.openDocs {
		texts[uri] = text
	}
	s.mu.Unlock()
	sort.Strings(uris)
	for _, uri := range uris {
		s.validateDocument(uri, texts[uri])
	}
}

// resubmitLastCount replays the most recent finding count, used once a
// session opens so the overlay catches up without waiting for an edit.
func (s *Server) resubmitLastCount() {
	s.mu.Lock()
	count := s.lastCount
	s.mu.Unlock()
	if count >= 0 {
		s.queue.Submit(count)
	}
}

func toLSPDiagnostics(uri string, findings []spell.Finding, related bool) []lspDiagnostic {
	if len(findings) == 0 {
		return nil
	}
	out := make([]lspDiagnostic, 0, len(findings))
	for _, f := range findings {
		rng := lspRange{
			Start: position{Line: f.Line, Character: f.Column},
			End:   position{Line: f.Line, Character: f.Column + f.Length},
		}
		d := lspDiagnostic{
			Range:    rng,
			Severity: f.Severity.LSP(),
			Source:   diagnosticSource,
			Message:  f.Message,
		}
		if related {
			for _, note := range spell.RelatedNotes {
				d.RelatedInformation = append(d.RelatedInformation, diagnosticRelatedInformation{
					Location: location{URI: uri, Range: rng},
					Message:  note,
				})
			}
		}
		out = append(out, d)
	}
	return out
}

func (s *Server) clearPublishedDiagnostics() {
	s.mu.Lock()
	if len(s.published) == 0 {
		s.mu.Unlock()
		return
	}
	prev := s.published
	s.published = make(map[string]struct{})
	s.mu.Unlock()
	uris := make([]string, 0, len(prev))
	for uri := range prev {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		if err := s.sendPublish(uri, nil); err != nil {
			s.logf("failed to clear diagnostics: %v", err)
		}
	}
}
