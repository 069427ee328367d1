package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
	"github.com/p-blackswan/knowledge-agent/internal/config"
	"github.com/p-blackswan/knowledge-agent/internal/metrics"
	agentslack "github.com/p-blackswan/knowledge-agent/internal/slack"
	"github.com/p-blackswan/knowledge-agent/internal/store"
	"github.com/p-blackswan/knowledge-agent/internal/tenantconfig"
	"github.com/p-blackswan/knowledge-agent/pkg/kvstore"
)

type postCall struct {
	ChannelID string
	Options   []slack.MsgOption
}

type updateCall struct {
	ChannelID string
	TS        string
	Options   []slack.MsgOption
}

// fakeAPI implements agentslack.API.
type fakeAPI struct {
	mu sync.Mutex

	authErr error
	users   map[string]*slack.User
	replies []slack.Message
	history []slack.Message
	// vanishAfter empties history after that many lookups when set.
	vanishAfter  int
	historyCalls int

	posts     []postCall
	updates   []updateCall
	reactions []string
}

func (f *fakeAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slack.AuthTestResponse{UserID: "UBOT", BotID: "BBOT", TeamID: "T1"}, nil
}

func (f *fakeAPI) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	return nil, "", nil
}

func (f *fakeAPI) GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	ch := &slack.Channel{}
	ch.ID = input.ChannelID
	ch.Name = "engineering"
	return ch, nil
}

func (f *fakeAPI) GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error) {
	return nil, "", nil
}

func (f *fakeAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[user]; ok {
		return u, nil
	}
	return nil, errors.New("user_not_found")
}

func (f *fakeAPI) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies, false, "", nil
}

func (f *fakeAPI) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.vanishAfter > 0 && f.historyCalls > f.vanishAfter {
		return &slack.GetConversationHistoryResponse{}, nil
	}
	return &slack.GetConversationHistoryResponse{Messages: f.history}, nil
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{ChannelID: channelID, Options: options})
	return channelID, fmt.Sprintf("300.%d", len(f.posts)), nil
}

func (f *fakeAPI) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{ChannelID: channelID, TS: timestamp, Options: options})
	return channelID, timestamp, "", nil
}

func (f *fakeAPI) AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "+"+name)
	return nil
}

func (f *fakeAPI) RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "-"+name)
	return nil
}

func (f *fakeAPI) GetPermalinkContext(ctx context.Context, params *slack.PermalinkParameters) (string, error) {
	return "", nil
}

func message(ts, user, text string) slack.Message {
	var m slack.Message
	m.Timestamp = ts
	m.User = user
	m.Text = text
	return m
}

// fakeBackend answers by call kind: the tool name, or "judge" / "drift" for
// the tool-less follow-up calls.
type fakeBackend struct {
	mu       sync.Mutex
	requests []*backend.Request
	answers  map[string]string
	errs     map[string]error
	events   []backend.Event
}

func callKind(req *backend.Request) string {
	switch {
	case req.ToolName != "":
		return req.ToolName
	case req.OutputFormat == backend.OutputFormatJSON:
		return "judge"
	default:
		return "drift"
	}
}

func (f *fakeBackend) Request(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	kind := callKind(req)
	if err := f.errs[kind]; err != nil {
		return nil, err
	}
	return &backend.Response{Answer: f.answers[kind], ResponseID: "resp-" + kind}, nil
}

func (f *fakeBackend) RequestStreaming(ctx context.Context, req *backend.Request, onEvent func(backend.Event)) (*backend.Response, error) {
	for _, ev := range f.events {
		onEvent(ev)
	}
	return f.Request(ctx, req)
}

func (f *fakeBackend) byKind(kind string) []*backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*backend.Request
	for _, r := range f.requests {
		if callKind(r) == kind {
			out = append(out, r)
		}
	}
	return out
}

type fakeExchanges struct {
	mu     sync.Mutex
	saved  []*store.Exchange
	latest map[string]*store.Exchange
}

func (f *fakeExchanges) SaveExchange(ex *store.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, ex)
	return nil
}

func (f *fakeExchanges) LatestExchange(tenantID, channelID, threadTS string) (*store.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[channelID+"/"+threadTS], nil
}

func testConfig() *config.Config {
	return &config.Config{
		FastToolName:     "fast",
		SlowToolName:     "slow",
		TriageToolName:   "triage",
		JudgeMaxChars:    3500,
		ShowPreliminary:  true,
		ProgressInterval: time.Millisecond,
		DebugTenantID:    "debug",
	}
}

type harness struct {
	api       *fakeAPI
	backend   *fakeBackend
	exchanges *fakeExchanges
	metrics   *metrics.Metrics
	settings  *kvstore.MemoryStore
	cfg       *config.Config
}

func newHarness(settings map[string]string) *harness {
	mem := kvstore.NewMemoryStore()
	ctx := context.Background()
	_ = mem.Set(ctx, "acme", tenantconfig.KeySlackBotToken, "xoxb-acme")
	_ = mem.Set(ctx, "acme", tenantconfig.KeySlackSigningSecret, "shh")
	for k, v := range settings {
		_ = mem.Set(ctx, "acme", k, v)
	}
	return &harness{
		api:       &fakeAPI{},
		backend:   &fakeBackend{answers: map[string]string{}, errs: map[string]error{}},
		exchanges: &fakeExchanges{latest: map[string]*store.Exchange{}},
		metrics:   metrics.New(),
		settings:  mem,
		cfg:       testConfig(),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Config:    h.cfg,
		Settings:  tenantconfig.NewManager(h.settings),
		Backend:   h.backend,
		Exchanges: h.exchanges,
		Metrics:   h.metrics,
		Logger:    zerolog.Nop(),
		NewAPI:    func(string) agentslack.API { return h.api },
	}
}

func (h *harness) app(t *testing.T) *App {
	t.Helper()
	d := h.deps()
	app, err := New(context.Background(), "acme", d.Settings.For("acme"), d)
	require.NoError(t, err)
	return app
}

func values(t *testing.T, opts []slack.MsgOption) url.Values {
	t.Helper()
	_, v, err := slack.UnsafeApplyMsgOptions("xoxb-test", "C1", "https://slack.com/api/", opts...)
	require.NoError(t, err)
	return v
}
