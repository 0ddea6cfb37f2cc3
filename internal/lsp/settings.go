package lsp

import (
	"context"
	"encoding/json"
	"time"

	"mixerls/internal/config"
)

const sessionOpenTimeout = 30 * time.Second

func (s *Server) handleDidChangeConfiguration(msg *rpcMessage) error {
	if len(msg.Params) == 0 {
		return nil
	}
	var params didChangeConfigurationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil
	}
	if len(params.Settings) == 0 {
		return nil
	}
	var settings lspSettings
	if err := json.Unmarshal(params.Settings, &settings); err != nil {
		s.logf("ignoring malformed settings: %v", err)
		return nil
	}
	if settings.Mixer == nil {
		return nil
	}
	s.mu.Lock()
	next := s.settings
	s.mu.Unlock()
	settings.Mixer.applyTo(&next)
	if err := next.Validate(); err != nil {
		s.logf("ignoring settings: %v", err)
		return nil
	}
	s.applySettings(next)
	return nil
}

// applyTo overlays the keys the client sent onto cur. Omitted keys keep
// whatever the settings file or an earlier change supplied.
func (m *mixerSettings) applyTo(cur *config.Settings) {
	if m.MaxNumberOfProblems != nil {
		cur.MaxNumberOfProblems = *m.MaxNumberOfProblems
	}
	if m.AuthToken != nil {
		cur.AuthToken = *m.AuthToken
	}
	if m.VersionID != nil {
		cur.VersionID = *m.VersionID
	}
	if m.Endpoint != nil {
		cur.Endpoint = *m.Endpoint
	}
	if m.Trace != nil {
		cur.Trace = *m.Trace
	}
}

// applySettings replaces the settings, reopens the session when the
// credentials or endpoint changed, and revalidates every open document.
func (s *Server) applySettings(next config.Settings) {
	next = next.Normalize()
	s.mu.Lock()
	prev := s.settings
	s.settings = next
	s.mu.Unlock()
	if config.SessionChanged(prev, next) {
		s.resetSession(next)
	}
	s.revalidateAll()
}

// resetSession closes the current session and, when the settings carry
// usable credentials, opens a new one. It never blocks the caller; a newer
// reset supersedes one that has not started yet.
func (s *Server) resetSession(next config.Settings) {
	gen := s.sessionGen.Add(1)
	s.sessionWG.Add(1)
	go func() {
		defer s.sessionWG.Done()
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()
		if s.sessionGen.Load() != gen {
			return
		}
		if err := s.session.Close(); err != nil {
			s.logf("failed to close interactive session: %v", err)
		}
		s.session.SetEndpoint(next.Endpoint)
		if !next.HasCredentials() {
			return
		}
		ctx, cancel := context.WithTimeout(s.context(), sessionOpenTimeout)
		defer cancel()
		if err := s.session.Open(ctx, next.Credentials()); err != nil {
			s.logf("failed to open interactive session: %v", err)
			return
		}
		s.resubmitLastCount()
	}()
}

func (s *Server) loadWorkspaceConfig(root string) {
	path, ok, err := config.Find(root)
	if err != nil {
		s.logf("settings lookup failed: %v", err)
		return
	}
	if !ok {
		return
	}
	settings, err := config.Load(path)
	if err != nil {
		s.logf("%v", err)
		return
	}
	s.mu.Lock()
	s.configPath = path
	s.mu.Unlock()
	s.applySettings(settings)
	s.startWatch(path)
}

// startWatch reloads the settings file on change for the lifetime of Run.
func (s *Server) startWatch(path string) {
	s.mu.Lock()
	g := s.group
	ctx := s.baseCtx
	if g == nil || s.watching {
		s.mu.Unlock()
		return
	}
	s.watching = true
	s.mu.Unlock()
	g.Go(func() error {
		err := config.Watch(ctx, path, config.WatchOptions{
			OnChange: s.applySettings,
			OnError: func(err error) {
				s.logf("settings reload failed: %v", err)
			},
		})
		if err != nil {
			s.logf("settings watch stopped: %v", err)
		}
		return nil
	})
}
