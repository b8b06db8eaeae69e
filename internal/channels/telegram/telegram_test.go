package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	domainModels "raven/internal/domain/models"
	llmSvc "raven/internal/domain/services/llm"
	memrepo "raven/internal/repository/memory"
	"raven/internal/service/preferences"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockBotClient struct {
	mu      sync.Mutex
	sent    []*bot.SendMessageParams
	actions []*bot.SendChatActionParams
}

func (m *mockBotClient) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, params)
	return &models.Message{ID: len(m.sent)}, nil
}

func (m *mockBotClient) SendChatAction(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, params)
	return true, nil
}

func (m *mockBotClient) GetFile(_ context.Context, params *bot.GetFileParams) (*models.File, error) {
	return &models.File{FileID: params.FileID, FilePath: "files/" + params.FileID}, nil
}

func (m *mockBotClient) FileDownloadLink(file *models.File) string {
	return "https://example.invalid/" + file.FilePath
}

func (m *mockBotClient) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, params := range m.sent {
		out[i] = params.Text
	}
	return out
}

type mockFiles map[string][]byte

func (f mockFiles) Fetch(_ context.Context, fileID string) ([]byte, error) {
	data, ok := f[fileID]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

type mockRuns struct {
	mu        sync.Mutex
	submitted []*llmSvc.InboundRequest
	cancelled int
	cleared   int
}

func (m *mockRuns) Submit(_ context.Context, req *llmSvc.InboundRequest) (*llmSvc.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, req)
	return &llmSvc.SubmitResult{RunID: "run"}, nil
}

func (m *mockRuns) Cancel(context.Context, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled++
	return nil
}

func (m *mockRuns) Clear(context.Context, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return nil
}

func (m *mockRuns) requests() []*llmSvc.InboundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llmSvc.InboundRequest(nil), m.submitted...)
}

type handlerHarness struct {
	handler *Handler
	client  *mockBotClient
	runs    *mockRuns
	prefs   *preferences.Service
}

func newHandlerHarness(files mockFiles) *handlerHarness {
	client := &mockBotClient{}
	runs := &mockRuns{}
	prefs := preferences.NewService(memrepo.NewPreferencesRepository(), testLogger())
	handler := NewHandler(runs, prefs, NewChannel(client, testLogger()), files, nil, HandlerConfig{
		MediaGroupDebounce: 20 * time.Millisecond,
		Owner:              "99",
	}, testLogger())
	return &handlerHarness{handler: handler, client: client, runs: runs, prefs: prefs}
}

func privateMessage(text string) *models.Message {
	return &models.Message{
		ID:   1,
		Chat: models.Chat{ID: 42, Type: models.ChatTypePrivate},
		From: &models.User{ID: 7, FirstName: "Ada"},
		Text: text,
	}
}

func partText(req *llmSvc.InboundRequest, i int) string {
	if req.Parts[i].Text == nil {
		return ""
	}
	return *req.Parts[i].Text
}

func TestHandler_TextMessage(t *testing.T) {
	h := newHandlerHarness(nil)
	h.handler.handle(context.Background(), &models.Update{Message: privateMessage("hello")})

	reqs := h.runs.requests()
	if len(reqs) != 1 {
		t.Fatalf("submitted %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.ConversationID != "42" || req.AuthorID != "7" || req.Edited {
		t.Errorf("unexpected request: %+v", req)
	}
	if len(req.Parts) != 1 || partText(req, 0) != "hello" {
		t.Errorf("unexpected parts: %+v", req.Parts)
	}
}

func TestHandler_EditedMessage(t *testing.T) {
	h := newHandlerHarness(nil)
	h.handler.handle(context.Background(), &models.Update{EditedMessage: privateMessage("fixed typo")})

	reqs := h.runs.requests()
	if len(reqs) != 1 || !reqs[0].Edited {
		t.Fatalf("expected one edited request, got %+v", reqs)
	}
}

func TestHandler_ChatFilter(t *testing.T) {
	tests := []struct {
		name     string
		from     int64
		text     string
		want     int
		wantText string
	}{
		{"stranger in a group", 7, "-bot hi", 0, ""},
		{"owner without prefix", 99, "hi", 0, ""},
		{"owner with prefix", 99, "-bot hi", 1, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandlerHarness(nil)
			msg := &models.Message{
				Chat: models.Chat{ID: -100, Type: models.ChatTypeGroup},
				From: &models.User{ID: tt.from},
				Text: tt.text,
			}
			h.handler.handle(context.Background(), &models.Update{Message: msg})

			reqs := h.runs.requests()
			if len(reqs) != tt.want {
				t.Fatalf("submitted %d, want %d", len(reqs), tt.want)
			}
			if tt.want == 1 && partText(reqs[0], 0) != tt.wantText {
				t.Errorf("text = %q, want %q", partText(reqs[0], 0), tt.wantText)
			}
		})
	}
}

func TestHandler_Commands(t *testing.T) {
	tests := []struct {
		text        string
		wantReply   string
		wantCancel  int
		wantClear   int
		wantSubmits int
	}{
		{"/start", "hey Ada, what's up?", 0, 0, 0},
		{"/cancel", "Stopped thinking", 1, 0, 0},
		{"/clear@raven_bot", "Conversation cleared", 0, 1, 0},
		{"/unknown thing", "", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			h := newHandlerHarness(nil)
			h.handler.handle(context.Background(), &models.Update{Message: privateMessage(tt.text)})

			if h.runs.cancelled != tt.wantCancel || h.runs.cleared != tt.wantClear {
				t.Errorf("cancel=%d clear=%d", h.runs.cancelled, h.runs.cleared)
			}
			if got := len(h.runs.requests()); got != tt.wantSubmits {
				t.Errorf("submitted %d, want %d", got, tt.wantSubmits)
			}
			texts := h.client.texts()
			if tt.wantReply == "" {
				if len(texts) != 0 {
					t.Errorf("unexpected replies: %v", texts)
				}
				return
			}
			if len(texts) != 1 || !strings.HasPrefix(texts[0], tt.wantReply) {
				t.Errorf("replies = %v, want prefix %q", texts, tt.wantReply)
			}
		})
	}
}

func TestHandler_SettingsCommands(t *testing.T) {
	tests := []struct {
		name      string
		commands  []string
		wantReply string // Prefix of the last reply
		check     func(t *testing.T, prefs *domainModels.AuthorPreferences)
	}{
		{
			name:      "set without arguments lists settings",
			commands:  []string{"/set"},
			wantReply: "Usage: /set <setting> <value>",
		},
		{
			name:      "set without value",
			commands:  []string{"/set timezone"},
			wantReply: "Please specify value.",
		},
		{
			name:      "set timezone",
			commands:  []string{"/set timezone Europe/Paris"},
			wantReply: "Successfully set timezone to Europe/Paris",
			check: func(t *testing.T, prefs *domainModels.AuthorPreferences) {
				if prefs.Timezone != "Europe/Paris" {
					t.Errorf("timezone = %q", prefs.Timezone)
				}
			},
		},
		{
			name:      "set rejects an invalid language",
			commands:  []string{"/set language klingon"},
			wantReply: "⚠️ language:",
			check: func(t *testing.T, prefs *domainModels.AuthorPreferences) {
				if prefs.Language != domainModels.DefaultLanguage {
					t.Errorf("language = %q, want it unchanged", prefs.Language)
				}
			},
		},
		{
			name:      "set rejects an unknown key",
			commands:  []string{"/set volume 11"},
			wantReply: `⚠️ unknown setting "volume"`,
		},
		{
			name:      "personality keeps spacing of the text",
			commands:  []string{"/personality a  calm   librarian"},
			wantReply: "Successfully set personality to a  calm   librarian",
			check: func(t *testing.T, prefs *domainModels.AuthorPreferences) {
				if prefs.Personality != "a  calm   librarian" {
					t.Errorf("personality = %q", prefs.Personality)
				}
			},
		},
		{
			name:      "personality shows the current value",
			commands:  []string{"/personality a calm librarian", "/personality"},
			wantReply: "Your personality: a calm librarian",
		},
		{
			name:      "instructions can be cleared",
			commands:  []string{"/instructions answer in bullet points", "/instructions clear"},
			wantReply: "Your instructions was cleared.",
			check: func(t *testing.T, prefs *domainModels.AuthorPreferences) {
				if prefs.Instructions != "" {
					t.Errorf("instructions = %q, want empty", prefs.Instructions)
				}
			},
		},
		{
			name:      "instructions without a value",
			commands:  []string{"/instructions"},
			wantReply: "You have no instructions set.",
		},
		{
			name:      "config shows the settings",
			commands:  []string{"/set language fr", "/config"},
			wantReply: "{",
			check: func(t *testing.T, prefs *domainModels.AuthorPreferences) {
				if prefs.Language != "fr" {
					t.Errorf("language = %q", prefs.Language)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHandlerHarness(nil)
			for _, command := range tt.commands {
				h.handler.handle(ctx, &models.Update{Message: privateMessage(command)})
			}

			if got := len(h.runs.requests()); got != 0 {
				t.Errorf("settings commands submitted %d requests to the model", got)
			}
			texts := h.client.texts()
			if len(texts) != len(tt.commands) {
				t.Fatalf("replies = %v, want one per command", texts)
			}
			if last := texts[len(texts)-1]; !strings.HasPrefix(last, tt.wantReply) {
				t.Errorf("last reply = %q, want prefix %q", last, tt.wantReply)
			}
			if tt.check != nil {
				prefs, err := h.prefs.GetPreferences(ctx, "7")
				if err != nil {
					t.Fatalf("GetPreferences failed: %v", err)
				}
				tt.check(t, prefs)
			}
		})
	}
}

func TestHandler_ConfigListsEverySetting(t *testing.T) {
	h := newHandlerHarness(nil)
	h.handler.handle(context.Background(), &models.Update{Message: privateMessage("/config")})

	texts := h.client.texts()
	if len(texts) != 1 {
		t.Fatalf("replies = %v", texts)
	}
	for _, key := range domainModels.PreferenceKeys {
		if !strings.Contains(texts[0], `"`+key.Name+`"`) {
			t.Errorf("config reply missing %q: %s", key.Name, texts[0])
		}
	}
	if !strings.Contains(texts[0], `"timezone": "UTC"`) {
		t.Errorf("config reply missing the default time zone: %s", texts[0])
	}
}

func TestHandler_MediaGroupDebounce(t *testing.T) {
	h := newHandlerHarness(mockFiles{
		"photo-1": []byte("first"),
		"photo-2": []byte("second"),
	})

	for i, fileID := range []string{"photo-1", "photo-2"} {
		msg := privateMessage("")
		msg.ID = i + 1
		msg.MediaGroupID = "album"
		msg.Photo = []models.PhotoSize{{FileID: "thumb"}, {FileID: fileID}}
		if i == 0 {
			msg.Caption = "look at these"
		}
		h.handler.handle(context.Background(), &models.Update{Message: msg})
	}

	if got := len(h.runs.requests()); got != 0 {
		t.Fatalf("album submitted before the debounce: %d", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.runs.requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	reqs := h.runs.requests()
	if len(reqs) != 1 {
		t.Fatalf("submitted %d requests, want 1", len(reqs))
	}
	parts := reqs[0].Parts
	if len(parts) != 3 {
		t.Fatalf("album has %d parts, want 3", len(parts))
	}
	if partText(reqs[0], 0) != "look at these" {
		t.Errorf("caption = %q", partText(reqs[0], 0))
	}
	for i, want := range []string{"first", "second"} {
		part := parts[i+1]
		if part.Order != i+1 || string(part.Data) != want || part.MimeType != "image/jpeg" {
			t.Errorf("part %d = order %d data %q mime %q", i+1, part.Order, part.Data, part.MimeType)
		}
	}
}

func TestHandler_VoiceGoesThroughPreprocessor(t *testing.T) {
	h := newHandlerHarness(mockFiles{"voice-1": []byte("ogg bytes")})
	msg := privateMessage("")
	msg.Voice = &models.Voice{FileID: "voice-1", MimeType: "audio/ogg"}
	h.handler.handle(context.Background(), &models.Update{Message: msg})

	reqs := h.runs.requests()
	if len(reqs) != 1 || len(reqs[0].Parts) != 1 {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if !strings.Contains(partText(reqs[0], 0), "audio/ogg attachment of 9 bytes") {
		t.Errorf("voice text = %q", partText(reqs[0], 0))
	}
}

func TestHandler_FetchFailureNotifies(t *testing.T) {
	h := newHandlerHarness(mockFiles{})
	msg := privateMessage("")
	msg.Photo = []models.PhotoSize{{FileID: "missing"}}
	h.handler.handle(context.Background(), &models.Update{Message: msg})

	if len(h.runs.requests()) != 0 {
		t.Error("submitted a request without its photo")
	}
	if texts := h.client.texts(); len(texts) != 1 || texts[0] != replyFailed {
		t.Errorf("replies = %v", texts)
	}
}

func TestChannel_SendAndTyping(t *testing.T) {
	client := &mockBotClient{}
	channel := NewChannel(client, testLogger())
	ctx := context.Background()

	long := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
	if err := channel.Send(ctx, "42", long); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	texts := client.texts()
	if len(texts) != 2 || texts[0] != strings.Repeat("a", 3000) || texts[1] != strings.Repeat("b", 3000) {
		t.Errorf("split into %d messages", len(texts))
	}
	if chatID, _ := client.sent[0].ChatID.(int64); chatID != 42 {
		t.Errorf("chat id = %v", client.sent[0].ChatID)
	}

	if err := channel.Typing(ctx, "42"); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
	if len(client.actions) != 1 || client.actions[0].Action != models.ChatActionTyping {
		t.Errorf("actions = %+v", client.actions)
	}

	if err := channel.Send(ctx, "not-a-chat", "x"); err == nil {
		t.Error("expected an error for a non-numeric chat id")
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"prefers newline", "abcd\nefgh", 6, []string{"abcd", "efgh"}},
		{"runes not bytes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("splitMessage = %q, want %q", got, tt.want)
			}
		})
	}
}
