package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// handleEvents serves POST /slack/events/:tenant. The request is verified
// against the tenant's signing secret and acked at once; the event itself is
// processed in the background.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	tenantID := c.Params("tenant")
	app, body, err := s.verified(c, tenantID)
	if err != nil {
		return err
	}
	if app == nil {
		return nil
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid_event", "Bad Request", err.Error())
	}

	switch ev.Type {
	case slackevents.URLVerification:
		var ch slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &ch); err != nil {
			return problem(c, fiber.StatusBadRequest, "invalid_challenge", "Bad Request", err.Error())
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlain)
		return c.SendString(ch.Challenge)

	case slackevents.CallbackEvent:
		// Slack redelivers events it thinks timed out; the first delivery
		// is already being answered.
		if retry := c.Get("X-Slack-Retry-Num"); retry != "" {
			s.logger.Debug().Str("tenant", tenantID).Str("retry", retry).Msg("ignoring slack event redelivery")
			return c.SendStatus(fiber.StatusOK)
		}
		inner := ev.InnerEvent
		s.background(requestID(c), func(ctx context.Context) {
			app.HandleCallbackEvent(ctx, inner)
		})
	default:
		s.logger.Debug().Str("tenant", tenantID).Str("type", ev.Type).Msg("unhandled events api type")
	}
	return c.SendStatus(fiber.StatusOK)
}

// handleInteractions serves POST /slack/interactions/:tenant.
func (s *Server) handleInteractions(c *fiber.Ctx) error {
	tenantID := c.Params("tenant")
	app, body, err := s.verified(c, tenantID)
	if err != nil {
		return err
	}
	if app == nil {
		return nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", err.Error())
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid_payload", "Bad Request", err.Error())
	}

	s.background(requestID(c), func(ctx context.Context) {
		app.HandleInteraction(ctx, cb)
	})
	return c.SendStatus(fiber.StatusOK)
}

// verified resolves the tenant and checks the Slack signature. A nil app with
// a nil error means the response was already written.
func (s *Server) verified(c *fiber.Ctx, tenantID string) (TenantApp, []byte, error) {
	app, err := s.tenants.Lookup(c.Context(), tenantID)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenantID).Msg("no slack app for tenant")
		return nil, nil, problem(c, fiber.StatusNotFound, "unknown_tenant", "Not Found",
			fmt.Sprintf("no slack app for tenant %q", tenantID))
	}

	// Fiber reuses the request buffer once the handler returns.
	body := append([]byte(nil), c.Body()...)
	if err := verifySignature(c, app.SigningSecret(), body); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenantID).Msg("slack signature rejected")
		return nil, nil, problem(c, fiber.StatusUnauthorized, "invalid_signature", "Unauthorized", "request signature could not be verified")
	}
	return app, body, nil
}

func verifySignature(c *fiber.Ctx, secret string, body []byte) error {
	header := http.Header{}
	c.Request().Header.VisitAll(func(k, v []byte) {
		header.Add(string(k), string(v))
	})

	sv, err := slack.NewSecretsVerifier(header, secret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}
