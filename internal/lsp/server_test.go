package lsp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mixerls/internal/interactive"
)

type fakeSession struct {
	mu       sync.Mutex
	opens    []interactive.Credentials
	closes   int
	endpoint string
	handlers interactive.Handlers
	controls []interactive.Control
	calls    []string
}

func (f *fakeSession) Open(ctx context.Context, creds interactive.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, creds)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSession) SetEndpoint(endpoint string) {
	f.mu.Lock()
	f.endpoint = endpoint
	f.mu.Unlock()
}

func (f *fakeSession) SetHandlers(h interactive.Handlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *fakeSession) GetScenes(ctx context.Context) ([]interactive.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "getScenes")
	controls := append([]interactive.Control(nil), f.controls...)
	return []interactive.Scene{{SceneID: "default", Controls: controls}}, nil
}

func (f *fakeSession) CreateControls(ctx context.Context, sceneID string, controls []interactive.Control) ([]interactive.Control, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "createControls")
	f.controls = append(f.controls, controls...)
	return controls, nil
}

func (f *fakeSession) DeleteControls(ctx context.Context, sceneID string, controlIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "deleteControls:"+strings.Join(controlIDs, ","))
	f.controls = nil
	return nil
}

func (f *fakeSession) CaptureTransaction(ctx context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "capture:"+transactionID)
	return nil
}

func (f *fakeSession) Ready(ctx context.Context, ready bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("ready:%t", ready))
	return nil
}

func (f *fakeSession) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) inputHandler() func(interactive.InputEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers.OnInput
}

func newTestServer(out io.Writer, session *fakeSession) *Server {
	return NewServer(bytes.NewReader(nil), out, ServerOptions{
		Session: session,
		Log:     io.Discard,
	})
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return payload
}

func readAll(t *testing.T, out *bytes.Buffer) []rpcMessage {
	t.Helper()
	reader := bufio.NewReader(bytes.NewReader(out.Bytes()))
	var msgs []rpcMessage
	for {
		payload, err := readMessage(reader)
		if errors.Is(err, io.EOF) {
			return msgs
		}
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func lastPublish(t *testing.T, msgs []rpcMessage) publishDiagnosticsParams {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Method != "textDocument/publishDiagnostics" {
			continue
		}
		var params publishDiagnosticsParams
		if err := json.Unmarshal(msgs[i].Params, &params); err != nil {
			t.Fatalf("decode publish: %v", err)
		}
		return params
	}
	t.Fatal("no publishDiagnostics message")
	return publishDiagnosticsParams{}
}

func openDoc(t *testing.T, s *Server, uri, text string) {
	t.Helper()
	params := didOpenTextDocumentParams{TextDocument: textDocumentItem{URI: uri, Version: 1, Text: text}}
	if err := s.handleDidOpen(&rpcMessage{Method: "textDocument/didOpen", Params: rawParams(t, params)}); err != nil {
		t.Fatalf("didOpen: %v", err)
	}
}

func changeConfig(t *testing.T, s *Server, mixer map[string]any) {
	t.Helper()
	params := map[string]any{"settings": map[string]any{"mixer": mixer}}
	msg := &rpcMessage{Method: "workspace/didChangeConfiguration", Params: rawParams(t, params)}
	if err := s.handleDidChangeConfiguration(msg); err != nil {
		t.Fatalf("didChangeConfiguration: %v", err)
	}
	s.sessionWG.Wait()
}

func TestPublishDiagnosticsMapping(t *testing.T) {
	var out bytes.Buffer
	server := newTestServer(&out, &fakeSession{})
	initParams := map[string]any{
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{"relatedInformation": true},
			},
		},
	}
	if err := server.handleInitialize(&rpcMessage{ID: json.RawMessage("1"), Method: "initialize", Params: rawParams(t, initParams)}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	uri := "file:///tmp/notes.txt"
	openDoc(t, server, uri, "I love typescript")

	params := lastPublish(t, readAll(t, &out))
	if params.URI != uri {
		t.Fatalf("expected uri %q, got %q", uri, params.URI)
	}
	if len(params.Diagnostics) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(params.Diagnostics))
	}
	got := params.Diagnostics[0]
	if got.Range.Start != (position{Line: 0, Character: 7}) || got.Range.End != (position{Line: 0, Character: 17}) {
		t.Fatalf("unexpected range: %+v", got.Range)
	}
	if got.Severity != 2 || got.Source != "ex" {
		t.Fatalf("unexpected severity/source: %d/%q", got.Severity, got.Source)
	}
	if got.Message != "typescript should be spelled TypeScript" {
		t.Fatalf("unexpected message: %q", got.Message)
	}
	if len(got.RelatedInformation) != 2 {
		t.Fatalf("expected 2 related entries, got %d", len(got.RelatedInformation))
	}
	if got.RelatedInformation[0].Message != "Spelling matters" || got.RelatedInformation[1].Message != "Particularly for names" {
		t.Fatalf("unexpected related information: %+v", got.RelatedInformation)
	}
	if got.RelatedInformation[0].Location.URI != uri {
		t.Fatalf("unexpected related location: %+v", got.RelatedInformation[0].Location)
	}
}

func TestPublishWithoutRelatedInformation(t *testing.T) {
	var out bytes.Buffer
	server := newTestServer(&out, &fakeSession{})
	openDoc(t, server, "file:///tmp/a.txt", "typescript\nTypeScript\nx typescript")

	params := lastPublish(t, readAll(t, &out))
	if len(params.Diagnostics) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(params.Diagnostics))
	}
	for _, d := range params.Diagnostics {
		if len(d.RelatedInformation) != 0 {
			t.Fatalf("unexpected related information: %+v", d.RelatedInformation)
		}
	}
}

func TestMaxNumberOfProblemsSetting(t *testing.T) {
	var out bytes.Buffer
	server := newTestServer(&out, &fakeSession{})
	changeConfig(t, server, map[string]any{"maxNumberOfProblems": 2})

	text := strings.Repeat("typescript\n", 5)
	openDoc(t, server, "file:///tmp/a.txt", text)
	if got := len(lastPublish(t, readAll(t, &out)).Diagnostics); got != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", got)
	}

	out.Reset()
	changeConfig(t, server, map[string]any{"maxNumberOfProblems": 0})
	// configuration changes revalidate open documents with the default limit
	if got := len(lastPublish(t, readAll(t, &out)).Diagnostics); got != 5 {
		t.Fatalf("expected 5 diagnostics, got %d", got)
	}
}

func TestConfigurationReopensSession(t *testing.T) {
	session := &fakeSession{}
	server := newTestServer(io.Discard, session)

	changeConfig(t, server, map[string]any{"authToken": "secret", "versionId": 5})
	session.mu.Lock()
	if len(session.opens) != 1 || session.opens[0] != (interactive.Credentials{AuthToken: "secret", VersionID: 5}) {
		t.Fatalf("unexpected opens: %+v", session.opens)
	}
	closes := session.closes
	session.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected the old session to be closed once, got %d", closes)
	}

	changeConfig(t, server, map[string]any{"authToken": "secret", "versionId": 5, "maxNumberOfProblems": 3})
	session.mu.Lock()
	if len(session.opens) != 1 || session.closes != 1 {
		t.Fatalf("unchanged credentials reopened the session: opens=%d closes=%d", len(session.opens), session.closes)
	}
	session.mu.Unlock()

	// a zero version closes the session without reopening it
	changeConfig(t, server, map[string]any{"versionId": 0})
	session.mu.Lock()
	defer session.mu.Unlock()
	if len(session.opens) != 1 || session.closes != 2 {
		t.Fatalf("expected close without reopen: opens=%d closes=%d", len(session.opens), session.closes)
	}
}

func TestDidCloseClearsDiagnostics(t *testing.T) {
	var out bytes.Buffer
	server := newTestServer(&out, &fakeSession{})
	uri := "file:///tmp/a.txt"
	openDoc(t, server, uri, "typescript")
	out.Reset()

	params := didCloseTextDocumentParams{TextDocument: textDocumentIdentifier{URI: uri}}
	if err := server.handleDidClose(&rpcMessage{Params: rawParams(t, params)}); err != nil {
		t.Fatalf("didClose: %v", err)
	}
	got := lastPublish(t, readAll(t, &out))
	if got.URI != uri || len(got.Diagnostics) != 0 {
		t.Fatalf("expected cleared diagnostics, got %+v", got)
	}
}

func TestCompletionAndResolve(t *testing.T) {
	var out bytes.Buffer
	server := newTestServer(&out, &fakeSession{})
	if err := server.handleCompletion(&rpcMessage{ID: json.RawMessage("3")}); err != nil {
		t.Fatalf("completion: %v", err)
	}
	msgs := readAll(t, &out)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 response, got %d", len(msgs))
	}
	var items []completionItem
	if err := json.Unmarshal(msgs[0].Result, &items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items) != 2 || items[0].Label != "TypeScript" || items[1].Label != "JavaScript" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if items[0].Kind != completionItemKindText {
		t.Fatalf("unexpected kind: %d", items[0].Kind)
	}

	resolved := resolveCompletion(items[1])
	if resolved.Detail != "JavaScript details" || resolved.Documentation != "JavaScript documentation" {
		t.Fatalf("unexpected resolved item: %+v", resolved)
	}
	unknown := resolveCompletion(completionItem{Label: "x", Data: json.RawMessage("9")})
	if unknown.Detail != "" {
		t.Fatalf("unexpected detail for unknown item: %+v", unknown)
	}
}

func TestUnknownRequest(t *testing.T) {
	var out bytes.Buffer
	server := newTestServer(&out, &fakeSession{})
	if err := server.handleMessage(&rpcMessage{ID: json.RawMessage("4"), Method: "textDocument/hover"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := server.handleMessage(&rpcMessage{Method: "$/cancelRequest"}); err != nil {
		t.Fatalf("handle notification: %v", err)
	}
	msgs := readAll(t, &out)
	if len(msgs) != 1 || msgs[0].Error == nil || msgs[0].Error.Code != -32601 {
		t.Fatalf("expected method not found, got %+v", msgs)
	}
}

func TestInitializeLoadsWorkspaceConfig(t *testing.T) {
	root := t.TempDir()
	content := "[mixer]\nmaxNumberOfProblems = 1\n"
	if err := os.WriteFile(filepath.Join(root, "mixerls.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	server := newTestServer(&out, &fakeSession{})
	params := initializeParams{RootURI: pathToURI(root)}
	if err := server.handleInitialize(&rpcMessage{ID: json.RawMessage("1"), Params: rawParams(t, params)}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	server.sessionWG.Wait()

	openDoc(t, server, "file:///tmp/a.txt", "typescript\ntypescript\n")
	if got := len(lastPublish(t, readAll(t, &out)).Diagnostics); got != 1 {
		t.Fatalf("expected workspace limit of 1, got %d", got)
	}
}

func TestWorkspaceCredentialsSurvivePartialConfiguration(t *testing.T) {
	root := t.TempDir()
	content := "[mixer]\nauthToken = \"tok\"\nversionId = 7\nmaxNumberOfProblems = 1\n"
	if err := os.WriteFile(filepath.Join(root, "mixerls.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	session := &fakeSession{}
	server := newTestServer(io.Discard, session)
	params := initializeParams{RootURI: pathToURI(root)}
	if err := server.handleInitialize(&rpcMessage{ID: json.RawMessage("1"), Params: rawParams(t, params)}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	server.sessionWG.Wait()

	// editors send their settings section at startup, without credentials
	changeConfig(t, server, map[string]any{"maxNumberOfProblems": 100})

	server.mu.Lock()
	got := server.settings
	server.mu.Unlock()
	if got.AuthToken != "tok" || got.VersionID != 7 || got.MaxNumberOfProblems != 100 {
		t.Fatalf("unexpected settings: %+v", got)
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if len(session.opens) != 1 || session.closes != 1 {
		t.Fatalf("session was reset: opens=%d closes=%d", len(session.opens), session.closes)
	}
	if session.opens[0] != (interactive.Credentials{AuthToken: "tok", VersionID: 7}) {
		t.Fatalf("unexpected credentials: %+v", session.opens[0])
	}
}

// rpcPeer drives a running server through pipes.
type rpcPeer struct {
	t    *testing.T
	w    io.Writer
	msgs chan rpcMessage
}

func newRPCPeer(t *testing.T, w io.Writer, r io.Reader) *rpcPeer {
	p := &rpcPeer{t: t, w: w, msgs: make(chan rpcMessage, 64)}
	go func() {
		reader := bufio.NewReader(r)
		for {
			payload, err := readMessage(reader)
			if err != nil {
				close(p.msgs)
				return
			}
			var msg rpcMessage
			if err := json.Unmarshal(payload, &msg); err == nil {
				p.msgs <- msg
			}
		}
	}()
	return p
}

func (p *rpcPeer) send(id int, method string, params any) {
	p.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if id > 0 {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	if err := writeMessage(p.w, payload); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *rpcPeer) expect(match func(rpcMessage) bool) rpcMessage {
	p.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-p.msgs:
			if !ok {
				p.t.Fatal("server output closed")
			}
			if match(msg) {
				return msg
			}
		case <-timeout:
			p.t.Fatal("timed out waiting for message")
		}
	}
}

func method(name string) func(rpcMessage) bool {
	return func(msg rpcMessage) bool { return msg.Method == name }
}

func waitForCalls(t *testing.T, session *fakeSession, want ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := session.callLog()
		if strings.Join(got, " ") == strings.Join(want, " ") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("calls = %v, want %v", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunEndToEnd(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	session := &fakeSession{}
	server := NewServer(inR, outW, ServerOptions{Session: session, Log: io.Discard})

	done := make(chan error, 1)
	go func() {
		done <- server.Run(context.Background())
		outW.Close()
	}()
	peer := newRPCPeer(t, inW, outR)
	uri := "file:///tmp/stream.txt"

	peer.send(1, "initialize", map[string]any{})
	resp := peer.expect(func(m rpcMessage) bool { return string(m.ID) == "1" })
	var initRes initializeResult
	if err := json.Unmarshal(resp.Result, &initRes); err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	if initRes.Capabilities.TextDocumentSync.Change != textDocumentSyncFull || initRes.Capabilities.CompletionProvider == nil {
		t.Fatalf("unexpected capabilities: %+v", initRes.Capabilities)
	}
	peer.send(0, "initialized", map[string]any{})

	peer.send(0, "textDocument/didOpen", didOpenTextDocumentParams{
		TextDocument: textDocumentItem{URI: uri, Version: 1, Text: "I love typescript"},
	})
	var published publishDiagnosticsParams
	msg := peer.expect(method("textDocument/publishDiagnostics"))
	if err := json.Unmarshal(msg.Params, &published); err != nil || len(published.Diagnostics) != 1 {
		t.Fatalf("unexpected publish: %s (%v)", msg.Params, err)
	}
	waitForCalls(t, session, "getScenes", "createControls", "ready:true")

	onInput := session.inputHandler()
	if onInput == nil {
		t.Fatal("input handler not installed")
	}
	onInput(interactive.InputEvent{
		TransactionID: "tx-1",
		Input:         interactive.Input{ControlID: "0", Event: "mousedown"},
		Participant:   interactive.Participant{SessionID: "s-1", Username: "alice"},
	})
	shown := peer.expect(method("window/showMessage"))
	var show showMessageParams
	if err := json.Unmarshal(shown.Params, &show); err != nil || show.Type != messageTypeError || show.Message != "alice says Fix It!" {
		t.Fatalf("unexpected showMessage: %s", shown.Params)
	}
	event := peer.expect(method("telemetry/event"))
	var payload map[string]string
	if err := json.Unmarshal(event.Params, &payload); err != nil || payload["text"] != "alice says Fix It!" {
		t.Fatalf("unexpected telemetry: %s", event.Params)
	}
	waitForCalls(t, session, "getScenes", "createControls", "ready:true", "capture:tx-1")

	peer.send(0, "textDocument/didChange", didChangeTextDocumentParams{
		TextDocument:   versionedTextDocumentIdentifier{URI: uri, Version: 2},
		ContentChanges: []textDocumentContentChangeEvent{{Text: "I love TypeScript"}},
	})
	msg = peer.expect(method("textDocument/publishDiagnostics"))
	if err := json.Unmarshal(msg.Params, &published); err != nil || len(published.Diagnostics) != 0 {
		t.Fatalf("expected empty publish: %s (%v)", msg.Params, err)
	}
	waitForCalls(t, session, "getScenes", "createControls", "ready:true", "capture:tx-1", "getScenes", "deleteControls:0")

	peer.send(2, "shutdown", nil)
	peer.expect(func(m rpcMessage) bool { return string(m.ID) == "2" })
	peer.send(0, "exit", nil)

	select {
	case err := <-done:
		if !errors.Is(err, ErrExit) {
			t.Fatalf("expected ErrExit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit")
	}
	inW.Close()
}
