package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// ErrNoSocket means the app was built without an app-level token.
var ErrNoSocket = errors.New("socket mode needs an app-level token")

// RunSocket opens a Socket Mode connection and serves events from it until
// ctx is cancelled or Stop is called. Only debug apps can do this.
func (a *App) RunSocket(ctx context.Context) error {
	if a.client == nil || a.appToken == "" {
		return ErrNoSocket
	}

	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	socket := socketmode.New(a.client)
	a.logger.Info().Msg("starting slack socket mode connection")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-socket.Events:
				if !ok {
					return
				}
				a.handleSocketEvent(ctx, socket, evt)
			}
		}
	}()

	if err := socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("socket mode error: %w", err)
	}
	a.logger.Info().Msg("slack socket mode connection closed")
	return nil
}

func (a *App) handleSocketEvent(ctx context.Context, socket *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		// Slack wants the ack within three seconds, before any work.
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			a.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
			return
		}
		if apiEvent.Type == slackevents.CallbackEvent {
			go a.HandleCallbackEvent(ctx, apiEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		if cb, ok := evt.Data.(slack.InteractionCallback); ok {
			a.HandleInteraction(ctx, cb)
		}
	case socketmode.EventTypeConnected:
		a.logger.Info().Msg("socket mode connected")
	default:
		a.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled socket event type")
	}
}
