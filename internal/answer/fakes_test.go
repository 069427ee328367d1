package answer

import (
	"context"
	"errors"
	"sync"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
)

type fakeBackend struct {
	mu       sync.Mutex
	requests []*backend.Request
	respond  func(req *backend.Request) (*backend.Response, error)
	events   []backend.Event
}

func (f *fakeBackend) Request(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeBackend) RequestStreaming(ctx context.Context, req *backend.Request, onEvent func(backend.Event)) (*backend.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	for _, ev := range f.events {
		onEvent(ev)
	}
	return f.respond(req)
}

func (f *fakeBackend) calls() []*backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*backend.Request(nil), f.requests...)
}

type fakeUsers struct {
	mu    sync.Mutex
	calls int
	users map[string]*slack.User
}

func (f *fakeUsers) GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.New("user_not_found")
	}
	return u, nil
}

type fakeThreads struct {
	msgs []Message
	err  error
}

func (f *fakeThreads) NewMessagesSince(ctx context.Context, channelID, threadTS, sinceTS string) ([]Message, error) {
	return f.msgs, f.err
}

type fakePresenter struct {
	preliminary []*GeneratedAnswer
	final       *Result
}

func (f *fakePresenter) ShowPreliminary(ctx context.Context, ans *GeneratedAnswer) (string, error) {
	f.preliminary = append(f.preliminary, ans)
	return "200.1", nil
}

func (f *fakePresenter) ShowFinal(ctx context.Context, res *Result) error {
	f.final = res
	return nil
}

func alice() *slack.User {
	u := &slack.User{ID: "U1", Name: "alice", RealName: "Alice Smith"}
	u.Profile.Email = "alice@example.com"
	u.Profile.DisplayName = "alice"
	return u
}
