package slack

import (
	"context"
	"errors"
	"sync"

	"github.com/slack-go/slack"
)

var errSlackDown = errors.New("slack is down")

type postCall struct {
	ChannelID string
	Options   []slack.MsgOption
}

type updateCall struct {
	ChannelID string
	TS        string
	Options   []slack.MsgOption
}

type reactionCall struct {
	Name    string
	Channel string
	TS      string
	Add     bool
}

// fakeAPI implements API for tests.
type fakeAPI struct {
	mu sync.Mutex

	channelPages [][]slack.Channel
	listCalls    int
	listErr      error

	info    map[string]*slack.Channel
	infoErr error

	members    map[string][]string
	membersErr error

	users     map[string]*slack.User
	userErr   error
	userErrs  map[string]error
	userCalls int

	replies    []slack.Message
	repliesErr error
	history    []slack.Message
	historyErr error

	postErrs   []error // consumed one per post
	updateErrs []error // consumed one per update
	posts      []postCall
	updates    []updateCall
	reactions  []reactionCall
	reactErr   error

	permalink string
}

func (f *fakeAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT", BotID: "BBOT", TeamID: "T1"}, nil
}

func (f *fakeAPI) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	page := 0
	if params.Cursor != "" {
		page = int(params.Cursor[0] - '0')
	}
	if page >= len(f.channelPages) {
		return nil, "", nil
	}
	next := ""
	if page+1 < len(f.channelPages) {
		next = string(rune('0' + page + 1))
	}
	return f.channelPages[page], next, nil
}

func (f *fakeAPI) GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	if ch, ok := f.info[input.ChannelID]; ok {
		return ch, nil
	}
	return &slack.Channel{}, nil
}

func (f *fakeAPI) GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error) {
	if f.membersErr != nil {
		return nil, "", f.membersErr
	}
	return f.members[params.ChannelID], "", nil
}

func (f *fakeAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	f.userCalls++
	if f.userErr != nil {
		return nil, f.userErr
	}
	if err := f.userErrs[user]; err != nil {
		return nil, err
	}
	if u, ok := f.users[user]; ok {
		return u, nil
	}
	return nil, errors.New("user_not_found")
}

func (f *fakeAPI) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	if f.repliesErr != nil {
		return nil, false, "", f.repliesErr
	}
	return f.replies, false, "", nil
}

func (f *fakeAPI) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return &slack.GetConversationHistoryResponse{Messages: f.history}, nil
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{ChannelID: channelID, Options: options})
	if len(f.postErrs) > 0 {
		err := f.postErrs[0]
		f.postErrs = f.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	return channelID, "300.1", nil
}

func (f *fakeAPI) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{ChannelID: channelID, TS: timestamp, Options: options})
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return "", "", "", err
		}
	}
	return channelID, timestamp, "", nil
}

func (f *fakeAPI) AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reactionCall{Name: name, Channel: item.Channel, TS: item.Timestamp, Add: true})
	return f.reactErr
}

func (f *fakeAPI) RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reactionCall{Name: name, Channel: item.Channel, TS: item.Timestamp})
	return f.reactErr
}

func (f *fakeAPI) GetPermalinkContext(ctx context.Context, params *slack.PermalinkParameters) (string, error) {
	return f.permalink, nil
}

func member(id string) *slack.User {
	return &slack.User{ID: id, TeamID: "T1"}
}
