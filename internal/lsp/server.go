package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"mixerls/internal/config"
	"mixerls/internal/interactive"
	"mixerls/internal/overlay"
	"mixerls/internal/version"
)

var (
	// ErrExit signals a graceful shutdown after receiving "exit".
	ErrExit = errors.New("lsp exit")
	// ErrExitWithoutShutdown signals an "exit" without a preceding "shutdown".
	ErrExitWithoutShutdown = errors.New("lsp exit without shutdown")
)

// SessionClient is the interactive session the server opens and drives.
type SessionClient interface {
	overlay.Session
	Open(ctx context.Context, creds interactive.Credentials) error
	Close() error
	SetEndpoint(endpoint string)
	SetHandlers(h interactive.Handlers)
}

// ServerOptions configures LSP server behavior.
type ServerOptions struct {
	// Settings seeds the configuration before the client sends any.
	Settings *config.Settings
	// ConfigPath pins the settings file; when empty, mixerls.toml is looked
	// up from the workspace root during initialize.
	ConfigPath string
	Session    SessionClient
	Log        io.Writer
}

// Server handles stdio JSON-RPC for the mixer language server.
type Server struct {
	in        *bufio.Reader
	out       *bufio.Writer
	log       io.Writer
	sendMu    sync.Mutex
	mu        sync.Mutex
	openDocs  map[string]string
	versions  map[string]int
	published map[string]struct{}

	workspaceRoot     string
	shutdownRequested bool
	relatedInfo       bool
	settings          config.Settings
	configPath        string
	watching          bool
	lastCount         int
	baseCtx           context.Context
	group             *errgroup.Group

	session    SessionClient
	reconciler *overlay.Reconciler
	queue      *overlay.Queue

	sessionMu  sync.Mutex
	sessionGen atomic.Uint64
	sessionWG  sync.WaitGroup
}

// NewServer constructs a new LSP server.
func NewServer(in io.Reader, out io.Writer, opts ServerOptions) *Server {
	settings := config.Default()
	if opts.Settings != nil {
		settings = opts.Settings.Normalize()
	}
	logw := opts.Log
	if logw == nil {
		logw = os.Stderr
	}
	s := &Server{
		in:         bufio.NewReader(in),
		out:        bufio.NewWriter(out),
		log:        logw,
		openDocs:   make(map[string]string),
		versions:   make(map[string]int),
		published:  make(map[string]struct{}),
		settings:   settings,
		configPath: opts.ConfigPath,
		lastCount:  -1,
		baseCtx:    context.Background(),
	}
	session := opts.Session
	if session == nil {
		session = interactive.NewClient(interactive.Options{
			Endpoint: settings.Endpoint,
			Logf:     s.prefixedLogf("interactive"),
		})
	}
	s.session = session
	s.reconciler = overlay.NewReconciler(overlay.Options{
		Session:  session,
		Notifier: s,
		Logf:     s.prefixedLogf("overlay"),
	})
	s.queue = overlay.NewQueue(s.reconciler, s.prefixedLogf("overlay"))
	session.SetHandlers(interactive.Handlers{
		OnOpen: func() {
			s.logf("Connected to Interactive!")
		},
		OnParticipantJoin: func(p interactive.Participant) {
			s.logf("%s(%s) Joined", p.Username, p.SessionID)
		},
		OnParticipantLeave: func(sessionID string, p interactive.Participant) {
			s.logf("%s(%s) Left", p.Username, sessionID)
		},
		OnInput: func(ev interactive.InputEvent) {
			s.reconciler.HandleInput(s.context(), ev)
		},
	})
	return s
}

// Run serves LSP requests until exit or end of input. The overlay queue and
// the settings file watcher run alongside and stop when Run returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.baseCtx = gctx
	s.group = g
	path := s.configPath
	s.mu.Unlock()

	g.Go(func() error { return s.queue.Run(gctx) })
	if path != "" {
		s.startWatch(path)
	}
	// credentials given up front open the session immediately
	s.mu.Lock()
	initial := s.settings
	s.mu.Unlock()
	if initial.HasCredentials() {
		s.resetSession(initial)
	}

	err := s.serve()
	cancel()
	werr := g.Wait()
	s.sessionWG.Wait()
	if cerr := s.session.Close(); cerr != nil {
		s.logf("failed to close interactive session: %v", cerr)
	}
	if err == nil {
		err = werr
	}
	return err
}

func (s *Server) serve() error {
	for {
		payload, err := readMessage(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logf("failed to parse message: %v", err)
			continue
		}
		if s.tracing() {
			s.logf("<- %s (%d bytes)", msg.Method, len(payload))
		}
		if msg.Method == "" {
			continue
		}
		if err := s.handleMessage(&msg); err != nil {
			return err
		}
	}
}

func (s *Server) handleMessage(msg *rpcMessage) error {
	switch msg.Method {
	case "initialize":
		return s.handleInitialize(msg)
	case "initialized":
		return nil
	case "shutdown":
		return s.handleShutdown(msg)
	case "exit":
		if s.isShutdownRequested() {
			return ErrExit
		}
		return ErrExitWithoutShutdown
	case "workspace/didChangeConfiguration":
		return s.handleDidChangeConfiguration(msg)
	case "workspace/didChangeWatchedFiles":
		return s.handleDidChangeWatchedFiles(msg)
	case "textDocument/didOpen":
		return s.handleDidOpen(msg)
	case "textDocument/didChange":
		return s.handleDidChange(msg)
	case "textDocument/didClose":
		return s.handleDidClose(msg)
	case "textDocument/completion":
		return s.handleCompletion(msg)
	case "completionItem/resolve":
		return s.handleCompletionResolve(msg)
	default:
		if len(msg.ID) > 0 {
			return s.sendError(msg.ID, -32601, "method not found")
		}
		return nil
	}
}

func (s *Server) handleInitialize(msg *rpcMessage) error {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.sendError(msg.ID, -32602, "invalid params")
		}
	}
	root := ""
	if params.RootURI != "" {
		root = uriToPath(params.RootURI)
	}
	if root == "" && params.RootPath != "" {
		root = params.RootPath
	}
	if root == "" && len(params.WorkspaceFolders) > 0 {
		root = uriToPath(params.WorkspaceFolders[0].URI)
	}
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	related := false
	if td := params.Capabilities.TextDocument; td != nil && td.PublishDiagnostics != nil {
		related = td.PublishDiagnostics.RelatedInformation
	}
	s.mu.Lock()
	s.workspaceRoot = root
	s.relatedInfo = related
	pinned := s.configPath != ""
	s.mu.Unlock()

	if !pinned && root != "" {
		s.loadWorkspaceConfig(root)
	}

	result := initializeResult{
		Capabilities: serverCapabilities{
			TextDocumentSync: textDocumentSyncOptions{
				OpenClose: true,
				Change:    textDocumentSyncFull,
			},
			CompletionProvider: &completionOptions{
				ResolveProvider: true,
			},
		},
		ServerInfo: &serverInfo{Name: "mixerls", Version: version.Version},
	}
	return s.sendResponse(msg.ID, result)
}

func (s *Server) handleShutdown(msg *rpcMessage) error {
	s.mu.Lock()
	s.shutdownRequested = true
	s.mu.Unlock()
	s.clearPublishedDiagnostics()
	return s.sendResponse(msg.ID, nil)
}

func (s *Server) isShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownRequested
}

func (s *Server) handleDidOpen(msg *rpcMessage) error {
	var params didOpenTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return err
	}
	uri := params.TextDocument.URI
	if uri == "" {
		return nil
	}
	s.mu.Lock()
	s.openDocs[uri] = params.TextDocument.Text
	s.versions[uri] = params.TextDocument.Version
	s.mu.Unlock()
	s.validateDocument(uri, params.TextDocument.Text)
	return nil
}

func (s *Server) handleDidChange(msg *rpcMessage) error {
	var params didChangeTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return err
	}
	uri := params.TextDocument.URI
	if uri == "" || len(params.ContentChanges) == 0 {
		return nil
	}
	// full sync: the last change carries the whole document
	text := params.ContentChanges[len(params.ContentChanges)-1].Text
	s.mu.Lock()
	s.openDocs[uri] = text
	s.versions[uri] = params.TextDocument.Version
	trace := s.settings.Trace
	s.mu.Unlock()
	if trace {
		s.logf("didChange: uri=%s version=%d", uri, params.TextDocument.Version)
	}
	s.validateDocument(uri, text)
	return nil
}

func (s *Server) handleDidClose(msg *rpcMessage) error {
	var params didCloseTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return err
	}
	uri := params.TextDocument.URI
	if uri == "" {
		return nil
	}
	s.mu.Lock()
	delete(s.openDocs, uri)
	delete(s.versions, uri)
	_, hadDiagnostics := s.published[uri]
	delete(s.published, uri)
	s.mu.Unlock()
	if hadDiagnostics {
		if err := s.sendPublish(uri, nil); err != nil {
			s.logf("failed to clear diagnostics: %v", err)
		}
	}
	return nil
}

func (s *Server) handleDidChangeWatchedFiles(msg *rpcMessage) error {
	var params didChangeWatchedFilesParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil
		}
	}
	s.logf("received file change event (%d changes)", len(params.Changes))
	return nil
}

// ShowError pops up an error message in the editor.
func (s *Server) ShowError(message string) {
	params := showMessageParams{Type: messageTypeError, Message: message}
	if err := s.sendNotification("window/showMessage", params); err != nil {
		s.logf("failed to show message: %v", err)
	}
}

// Telemetry forwards an arbitrary event to the client.
func (s *Server) Telemetry(event any) {
	if err := s.sendNotification("telemetry/event", event); err != nil {
		s.logf("failed to send telemetry: %v", err)
	}
}

func (s *Server) sendResponse(id json.RawMessage, result any) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
	return s.send(msg)
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": rpcError{
			Code:    code,
			Message: message,
		},
	}
	return s.send(msg)
}

func (s *Server) sendNotification(method string, params any) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
	return s.send(msg)
}

func (s *Server) sendPublish(uri string, list []lspDiagnostic) error {
	if list == nil {
		list = []lspDiagnostic{}
	}
	return s.sendNotification("textDocument/publishDiagnostics", publishDiagnosticsParams{
		URI:         uri,
		Diagnostics: list,
	})
}

func (s *Server) send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if s.tracing() {
		s.logf("-> %d bytes", len(payload))
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := writeMessage(s.out, payload); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) tracing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Trace
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Server) logf(format string, args ...any) {
	fmt.Fprintf(s.log, "lsp: "+format+"\n", args...)
}

func (s *Server) prefixedLogf(component string) func(format string, args ...any) {
	return func(format string, args ...any) {
		fmt.Fprintf(s.log, component+": "+format+"\n", args...)
	}
}
